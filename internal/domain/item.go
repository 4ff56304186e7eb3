package domain

import (
	"github.com/shopspring/decimal"
)

// CreditItem is a priced credit or exemption, immutable once produced.
type CreditItem struct {
	ItemID     string     `json:"itemId"`
	Provision  Provision  `json:"provision"`
	Category   Category   `json:"category"`
	CreditType CreditType `json:"creditType"`
	TaxYear    int        `json:"taxYear"`

	GrossAmount  int64           `json:"grossAmount"`
	SurtaxExempt bool            `json:"surtaxExempt"`
	SurtaxRate   decimal.Decimal `json:"surtaxRate"`
	SurtaxAmount int64           `json:"surtaxAmount"`
	NetAmount    int64           `json:"netAmount"`

	MinTaxSubject bool `json:"minTaxSubject"`
	// FloorAddBack marks exemptions added back to the minimum-tax base.
	FloorAddBack bool `json:"floorAddBack,omitempty"`

	CarryforwardEligible bool `json:"carryforwardEligible"`
	// CarryforwardAmount is the part already known to exceed the item's own
	// limit, independent of the combination it lands in.
	CarryforwardAmount int64 `json:"carryforwardAmount,omitempty"`
	AlreadyApplied     bool  `json:"alreadyApplied,omitempty"`

	Explanation Explanation `json:"explanation"`
}

// Explanation is descriptive text attached for reporting only.
type Explanation struct {
	Method     string `json:"method,omitempty"`
	Rate       string `json:"rate,omitempty"`
	Detail     string `json:"detail,omitempty"`
	LegalBasis string `json:"legalBasis,omitempty"`
	Conditions string `json:"conditions,omitempty"`
}

// OutcomeKind tags a calculator result.
type OutcomeKind string

const (
	OutcomeApplicable    OutcomeKind = "applicable"
	OutcomeNeedsReview   OutcomeKind = "needs_review"
	OutcomeNotApplicable OutcomeKind = "not_applicable"
)

// Outcome is the per-candidate result: an applicable item, or the reason it
// was set aside.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	ItemID    string      `json:"itemId"`
	Provision Provision   `json:"provision"`
	Category  Category    `json:"category"`
	Item      *CreditItem `json:"item,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Applicable wraps a priced item.
func Applicable(item CreditItem) Outcome {
	return Outcome{
		Kind:      OutcomeApplicable,
		ItemID:    item.ItemID,
		Provision: item.Provision,
		Category:  item.Category,
		Item:      &item,
	}
}

// NeedsReview sets a candidate aside for a human to check.
func NeedsReview(c Candidate, reason string) Outcome {
	return setAside(OutcomeNeedsReview, c, reason)
}

// NotApplicable rejects a candidate whose preconditions do not hold.
func NotApplicable(c Candidate, reason string) Outcome {
	return setAside(OutcomeNotApplicable, c, reason)
}

func setAside(kind OutcomeKind, c Candidate, reason string) Outcome {
	return Outcome{
		Kind:      kind,
		ItemID:    c.Header().ItemID,
		Provision: ProvisionOf(c),
		Category:  c.Category(),
		Reason:    reason,
	}
}

// ApplicableItems returns the items of applicable outcomes in input order.
func ApplicableItems(outcomes []Outcome) []CreditItem {
	items := make([]CreditItem, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Kind == OutcomeApplicable && o.Item != nil {
			items = append(items, *o.Item)
		}
	}
	return items
}
