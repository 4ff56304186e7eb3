package domain

import (
	"strconv"
	"strings"
)

// Provision is a statute article code such as "§24" or "§29의8".
type Provision string

// Provisions known to the calculator.
const (
	ProvisionStartup         Provision = "§6"
	ProvisionSMESpecial      Provision = "§7"
	ProvisionRD              Provision = "§10"
	ProvisionInvestment      Provision = "§24"
	ProvisionEmployment      Provision = "§29의8"
	ProvisionSocialInsurance Provision = "§30의4"
	ProvisionForeignTax      Provision = "§57"
	ProvisionLandlord        Provision = "§96의3"
	ProvisionSincerity       Provision = "§122의3"
	ProvisionSincerityReport Provision = "§126의6"
)

// article splits a provision into its article and sub-article numbers.
// ok is false when the code is not of the form §N or §N의M.
func (p Provision) article() (main, sub int, ok bool) {
	s := strings.TrimPrefix(strings.TrimSpace(string(p)), "§")
	head, tail, hasSub := strings.Cut(s, "의")
	main, err := strconv.Atoi(head)
	if err != nil {
		return 0, 0, false
	}
	if hasSub {
		sub, err = strconv.Atoi(tail)
		if err != nil {
			return 0, 0, false
		}
	}
	return main, sub, true
}

// Compare orders provisions by article number, then sub-article. Codes that
// do not parse sort after parsed ones, by plain string order.
func (p Provision) Compare(o Provision) int {
	pm, ps, pok := p.article()
	om, os, ook := o.article()
	switch {
	case pok && ook:
		if pm != om {
			return cmpInt(pm, om)
		}
		if ps != os {
			return cmpInt(ps, os)
		}
		return 0
	case pok:
		return -1
	case ook:
		return 1
	}
	return strings.Compare(string(p), string(o))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Category groups candidates by the calculation they need.
type Category string

const (
	CategoryInvestment      Category = "INVEST"
	CategoryRD              Category = "RD"
	CategoryStartup         Category = "STARTUP"
	CategorySMESpecial      Category = "SME_SPECIAL"
	CategoryEmployment      Category = "EMPLOYMENT"
	CategorySocialInsurance Category = "SOCIAL_INS"
	CategoryForeignTax      Category = "FOREIGN_TAX"
	CategorySincerity       Category = "INC_SINCERITY"
	CategoryLandlord        Category = "INC_LANDLORD"
	CategorySincerityReport Category = "INC_SINCERITY_CONFIRM"
)

// DefaultProvision returns the statute article a category is claimed under.
func (c Category) DefaultProvision() Provision {
	switch c {
	case CategoryInvestment:
		return ProvisionInvestment
	case CategoryRD:
		return ProvisionRD
	case CategoryStartup:
		return ProvisionStartup
	case CategorySMESpecial:
		return ProvisionSMESpecial
	case CategoryEmployment:
		return ProvisionEmployment
	case CategorySocialInsurance:
		return ProvisionSocialInsurance
	case CategoryForeignTax:
		return ProvisionForeignTax
	case CategorySincerity:
		return ProvisionSincerity
	case CategoryLandlord:
		return ProvisionLandlord
	case CategorySincerityReport:
		return ProvisionSincerityReport
	}
	return ""
}

// CreditType distinguishes exemptions (감면) from credits (공제).
type CreditType string

const (
	CreditTypeExemption CreditType = "EXEMPTION"
	CreditTypeCredit    CreditType = "CREDIT"
)
