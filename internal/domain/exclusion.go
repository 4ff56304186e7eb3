package domain

// ExclusionRule is a pairwise co-application rule between two provisions,
// valid for tax years in [YearFrom, YearTo]. Zero bounds are open.
type ExclusionRule struct {
	ID         string    `json:"id" yaml:"id"`
	ProvisionA Provision `json:"provisionA" yaml:"provisionA"`
	ProvisionB Provision `json:"provisionB" yaml:"provisionB"`
	Allowed    bool      `json:"allowed" yaml:"allowed"`
	// Condition is an optional CEL expression over the taxpayer profile; the
	// rule only applies when it evaluates to true.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Prefer names the provision the law mandates when both are claimed.
	Prefer        Provision `json:"prefer,omitempty" yaml:"prefer,omitempty"`
	ConditionNote string    `json:"conditionNote,omitempty" yaml:"conditionNote,omitempty"`
	LegalBasis    string    `json:"legalBasis,omitempty" yaml:"legalBasis,omitempty"`
	YearFrom      int       `json:"yearFrom,omitempty" yaml:"yearFrom,omitempty"`
	YearTo        int       `json:"yearTo,omitempty" yaml:"yearTo,omitempty"`
}

// PairKey identifies a provision pair independent of order.
type PairKey struct {
	Low, High Provision
}

// MakePairKey orders the two provisions so that (a, b) and (b, a) match.
func MakePairKey(a, b Provision) PairKey {
	if a.Compare(b) > 0 || (a.Compare(b) == 0 && a > b) {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// Key returns the rule's symmetric pair key.
func (r ExclusionRule) Key() PairKey {
	return MakePairKey(r.ProvisionA, r.ProvisionB)
}

// Forbids reports whether the rule blocks co-application.
func (r ExclusionRule) Forbids() bool {
	return !r.Allowed
}

// ActiveIn reports whether the rule's year range covers the tax year.
func (r ExclusionRule) ActiveIn(year int) bool {
	return yearIn(year, r.YearFrom, r.YearTo)
}

// Other returns the provision on the other side of the rule from p.
func (r ExclusionRule) Other(p Provision) Provision {
	if r.ProvisionA == p {
		return r.ProvisionB
	}
	return r.ProvisionA
}

// ExclusionViolation records a candidate dropped because a rule forbade it
// next to a selected item.
type ExclusionViolation struct {
	RuleID       string    `json:"ruleId,omitempty"`
	Kept         Provision `json:"kept"`
	KeptItemID   string    `json:"keptItemId,omitempty"`
	Dropped      Provision `json:"dropped"`
	DroppedItems []string  `json:"droppedItems"`
	ByPrecedence bool      `json:"byPrecedence,omitempty"`
	LegalBasis   string    `json:"legalBasis,omitempty"`
}

// EligibilityRule is a CEL precondition a candidate of the given provision
// must satisfy.
type EligibilityRule struct {
	ID         string    `json:"id"`
	Provision  Provision `json:"provision"`
	Expression string    `json:"expression"`
	Reason     string    `json:"reason"`
	Enabled    bool      `json:"enabled"`
}
