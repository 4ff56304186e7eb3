package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Candidate is one deduction record to be priced. The set of variants is
// closed: every implementation lives in this file and the calculator switches
// over all of them.
type Candidate interface {
	Header() CandidateHeader
	Category() Category
	isCandidate()
}

// CandidateHeader carries the fields every variant shares.
type CandidateHeader struct {
	ItemID    string    `json:"itemId"`
	Provision Provision `json:"provision,omitempty"`
	// AlreadyApplied marks credits claimed on the original return.
	AlreadyApplied bool `json:"alreadyApplied,omitempty"`
}

// Header returns the shared fields.
func (h CandidateHeader) Header() CandidateHeader { return h }

func (h CandidateHeader) isCandidate() {}

// SMESpecialCandidate is the SME special exemption.
type SMESpecialCandidate struct {
	CandidateHeader
	BaseAmount    int64  `json:"baseAmount"`
	SizeDetail    string `json:"sizeDetail,omitempty"`
	IndustryClass string `json:"industryClass,omitempty"`
}

func (SMESpecialCandidate) Category() Category { return CategorySMESpecial }

// EmploymentCandidate is the integrated employment credit, priced per head of
// year-over-year increase.
type EmploymentCandidate struct {
	CandidateHeader
	YouthIncrease   int `json:"youthIncrease"`
	GeneralIncrease int `json:"generalIncrease"`
}

func (EmploymentCandidate) Category() Category { return CategoryEmployment }

// InvestmentCandidate is the integrated investment credit. ExcessAmount is the
// investment above the prior three-year average.
type InvestmentCandidate struct {
	CandidateHeader
	BaseAmount   int64  `json:"baseAmount"`
	ExcessAmount int64  `json:"excessAmount,omitempty"`
	AssetType    string `json:"assetType,omitempty"`
}

func (InvestmentCandidate) Category() Category { return CategoryInvestment }

// StartupCandidate is the startup SME exemption.
type StartupCandidate struct {
	CandidateHeader
	BaseAmount  int64  `json:"baseAmount"`
	FounderType string `json:"founderType,omitempty"`
}

func (StartupCandidate) Category() Category { return CategoryStartup }

// RDCandidate is the research and development credit.
type RDCandidate struct {
	CandidateHeader
	BaseAmount int64  `json:"baseAmount"`
	RDType     string `json:"rdType,omitempty"`
	Method     string `json:"method,omitempty"`
}

func (RDCandidate) Category() Category { return CategoryRD }

// ForeignTaxCandidate is the foreign tax credit.
type ForeignTaxCandidate struct {
	CandidateHeader
	ForeignTaxPaid int64 `json:"foreignTaxPaid"`
	ForeignIncome  int64 `json:"foreignIncome"`
	// Indirect marks a credit for tax paid by a foreign subsidiary.
	Indirect       bool            `json:"indirect,omitempty"`
	SubsidiaryName string          `json:"subsidiaryName,omitempty"`
	ShareRatio     decimal.Decimal `json:"shareRatio,omitempty"`
}

func (ForeignTaxCandidate) Category() Category { return CategoryForeignTax }

// SocialInsuranceCandidate is the employer social insurance credit for new hires.
type SocialInsuranceCandidate struct {
	CandidateHeader
	BaseAmount        int64 `json:"baseAmount"`
	HeadcountIncrease int   `json:"headcountIncrease"`
}

func (SocialInsuranceCandidate) Category() Category { return CategorySocialInsurance }

// ExpenseCreditCandidate covers the individual-only credits priced as a
// capped percentage of an expense.
type ExpenseCreditCandidate struct {
	CandidateHeader
	Kind       Category `json:"kind"`
	BaseAmount int64    `json:"baseAmount"`
	// Confirmed marks that the supporting confirmation report was filed.
	Confirmed bool `json:"confirmed,omitempty"`
}

func (c ExpenseCreditCandidate) Category() Category { return c.Kind }

// ProvisionOf returns the candidate's provision, defaulting by category.
func ProvisionOf(c Candidate) Provision {
	if p := c.Header().Provision; p != "" {
		return p
	}
	return c.Category().DefaultProvision()
}

// CandidateList decodes and encodes the variants using a "category" field.
type CandidateList []Candidate

type candidateEnvelope struct {
	Category Category `json:"category"`
}

// UnmarshalJSON decodes each element into its variant.
func (l *CandidateList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	out := make(CandidateList, 0, len(raws))
	for i, raw := range raws {
		c, err := decodeCandidate(raw)
		if err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

func decodeCandidate(raw json.RawMessage) (Candidate, error) {
	var env candidateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Category {
	case CategorySMESpecial:
		return decodeAs[SMESpecialCandidate](raw)
	case CategoryEmployment:
		return decodeAs[EmploymentCandidate](raw)
	case CategoryInvestment:
		return decodeAs[InvestmentCandidate](raw)
	case CategoryStartup:
		return decodeAs[StartupCandidate](raw)
	case CategoryRD:
		return decodeAs[RDCandidate](raw)
	case CategoryForeignTax:
		return decodeAs[ForeignTaxCandidate](raw)
	case CategorySocialInsurance:
		return decodeAs[SocialInsuranceCandidate](raw)
	case CategorySincerity, CategoryLandlord, CategorySincerityReport:
		var c ExpenseCreditCandidate
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.Kind = env.Category
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, env.Category)
}

func decodeAs[T Candidate](raw json.RawMessage) (Candidate, error) {
	var c T
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalJSON writes each variant with its category discriminator.
func (l CandidateList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, c := range l {
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		cat, _ := json.Marshal(c.Category())
		fields["category"] = cat
		delete(fields, "kind")
		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return json.Marshal(out)
}
