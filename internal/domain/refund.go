package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InterestEndPolicy chooses where the interest window closes.
type InterestEndPolicy string

const (
	InterestEndClaimDate          InterestEndPolicy = "claim-date"
	InterestEndProcessingDeadline InterestEndPolicy = "processing-deadline"
)

// InterestPeriod is one slice of the interest window at a single rate.
type InterestPeriod struct {
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Days     int             `json:"days"`
	Rate     decimal.Decimal `json:"rate"`
	Interest decimal.Decimal `json:"interest"`
}

// InterimRefund splits out a part of the refund paid before the decision.
type InterimRefund struct {
	Amount   int64     `json:"amount"`
	PaidOn   time.Time `json:"paidOn"`
	Interest int64     `json:"interest"`
}

// RiskLevel grades a post-management exposure.
type RiskLevel string

const (
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// PostManagementRisk is a clawback exposure attached to a granted credit that
// carries an ongoing obligation.
type PostManagementRisk struct {
	ItemID      string    `json:"itemId"`
	Provision   Provision `json:"provision"`
	Obligation  string    `json:"obligation"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Clawback    int64     `json:"clawback"`
	Surcharge   int64     `json:"surcharge"`
	Level       RiskLevel `json:"level"`
}

// RefundResult is the finalized refund for the selected combination.
type RefundResult struct {
	ExistingComputedTax   int64 `json:"existingComputedTax"`
	ExistingDeterminedTax int64 `json:"existingDeterminedTax"`
	ExistingPaidTax       int64 `json:"existingPaidTax"`
	NewDeterminedTax      int64 `json:"newDeterminedTax"`
	MinTaxAdjustment      int64 `json:"minTaxAdjustment"`
	SurtaxTotal           int64 `json:"surtaxTotal"`
	PenaltyOffset         int64 `json:"penaltyOffset"`
	RefundAmount          int64 `json:"refundAmount"`

	FilingDeadline  time.Time        `json:"filingDeadline"`
	ClaimDeadline   time.Time        `json:"claimDeadline"`
	InterestStart   time.Time        `json:"interestStart"`
	InterestEnd     time.Time        `json:"interestEnd"`
	InterestPeriods []InterestPeriod `json:"interestPeriods,omitempty"`
	InterestAmount  int64            `json:"interestAmount"`
	Interim         *InterimRefund   `json:"interim,omitempty"`

	LocalTaxRefund int64 `json:"localTaxRefund"`
	TotalExpected  int64 `json:"totalExpected"`

	Carryforwards []Carryforward       `json:"carryforwards,omitempty"`
	Risks         []PostManagementRisk `json:"risks,omitempty"`
}
