package domain

import (
	"time"
)

// RequestStatus is the lifecycle state of a correction request.
type RequestStatus string

const (
	StatusParsed    RequestStatus = "parsed"
	StatusAnalyzing RequestStatus = "analyzing"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// TaxType selects the filing deadline rules.
type TaxType string

const (
	TaxTypeCorporate TaxType = "CORP"
	TaxTypeIncome    TaxType = "INC"
	// TaxTypeIncomeFaithful is an individual under the faithful-filing
	// confirmation regime, whose deadline is one month later.
	TaxTypeIncomeFaithful TaxType = "INC_FAITHFUL"
)

// IsIndividual reports whether the taxpayer files income tax.
func (t TaxType) IsIndividual() bool {
	return t == TaxTypeIncome || t == TaxTypeIncomeFaithful
}

// CompanySize keys the reference rate tables.
type CompanySize string

const (
	SizeSmall  CompanySize = "SMALL"
	SizeMedium CompanySize = "MEDIUM"
	SizeMid    CompanySize = "MIDSIZE"
	SizeLarge  CompanySize = "LARGE"
)

// IsSME reports whether the size qualifies for SME-only provisions.
func (s CompanySize) IsSME() bool {
	return s == SizeSmall || s == SizeMedium
}

// Request is one correction request: the taxpayer, the original filing and
// the deduction candidates parsed from it.
type Request struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`

	Taxpayer    Taxpayer               `json:"taxpayer"`
	Filing      Filing                 `json:"filing"`
	Candidates  CandidateList          `json:"candidates"`
	Settlements []SettlementAdjustment `json:"settlements,omitempty"`
}

// Taxpayer carries the profile fields rate lookups and eligibility use.
type Taxpayer struct {
	Name         string      `json:"name"`
	TaxType      TaxType     `json:"taxType"`
	CompanySize  CompanySize `json:"companySize"`
	Zone         string      `json:"zone"`
	Industry     string      `json:"industry,omitempty"`
	FoundedOn    *time.Time  `json:"foundedOn,omitempty"`
	Venture      bool        `json:"venture,omitempty"`
	RDDepartment bool        `json:"rdDepartment,omitempty"`
}

// Filing holds the figures of the original return being corrected.
type Filing struct {
	TaxYear   int       `json:"taxYear"`
	FiscalEnd time.Time `json:"fiscalEnd"`
	// FiledOn is the date the original return was filed and paid.
	FiledOn time.Time `json:"filedOn"`
	// ClaimDate is the date the correction is claimed. Zero means today.
	ClaimDate time.Time `json:"claimDate,omitempty"`

	TaxableIncome int64 `json:"taxableIncome"`
	ComputedTax   int64 `json:"computedTax"`
	DeterminedTax int64 `json:"determinedTax"`
	PaidTax       int64 `json:"paidTax"`

	// PenaltyOffset is additional penalty tax the correction triggers.
	PenaltyOffset int64           `json:"penaltyOffset,omitempty"`
	Interim       *InterimPayment `json:"interim,omitempty"`
}

// InterimPayment is a part of the refund already paid out before the final
// decision.
type InterimPayment struct {
	Amount int64     `json:"amount"`
	PaidOn time.Time `json:"paidOn"`
}

// SettlementAdjustment is a year-end settlement item listed on the request.
// Some kinds can only be booked at settlement and block a correction claim.
type SettlementAdjustment struct {
	ItemID string `json:"itemId"`
	Kind   string `json:"kind"`
	Amount int64  `json:"amount,omitempty"`
}

// Settlement kinds that must be booked at settlement.
const (
	SettlementDepreciation        = "DEPRECIATION_ADDITION"
	SettlementRetirementAllowance = "RETIREMENT_ALLOWANCE_ADDITION"
	SettlementBadDebtAllowance    = "BAD_DEBT_ALLOWANCE_ADDITION"
)
