package domain

import "fmt"

// SearchMode records how a combination was found.
type SearchMode string

const (
	ModeExhaustive SearchMode = "exhaustive"
	ModeGreedy     SearchMode = "greedy"
)

// AppliedItem is a credit item as granted inside one combination.
type AppliedItem struct {
	ItemID        string     `json:"itemId"`
	Provision     Provision  `json:"provision"`
	Category      Category   `json:"category"`
	CreditType    CreditType `json:"creditType"`
	GrossAmount   int64      `json:"grossAmount"`
	Granted       int64      `json:"granted"`
	Surtax        int64      `json:"surtax"`
	MinTaxSubject bool       `json:"minTaxSubject"`
	// Suppressed is set when the minimum-tax floor cut the item.
	Suppressed bool `json:"suppressed,omitempty"`
}

// Carryforward is an unused credit amount carried to later years.
type Carryforward struct {
	ItemID     string    `json:"itemId"`
	Provision  Provision `json:"provision"`
	Amount     int64     `json:"amount"`
	TaxYear    int       `json:"taxYear"`
	ExpiryYear int       `json:"expiryYear"`
}

// Combination is one exclusion-consistent subset of items, scored.
type Combination struct {
	ID    string        `json:"id"`
	Rank  int           `json:"rank"`
	Items []AppliedItem `json:"items"`

	ExemptionTotal   int64 `json:"exemptionTotal"`
	CreditTotal      int64 `json:"creditTotal"`
	MinTaxAdjustment int64 `json:"minTaxAdjustment"`
	MinTaxFloor      int64 `json:"minTaxFloor"`
	SurtaxTotal      int64 `json:"surtaxTotal"`
	NetRefund        int64 `json:"netRefund"`

	Valid      bool       `json:"valid"`
	Exhaustive bool       `json:"exhaustive"`
	Mode       SearchMode `json:"mode"`
	Iterations int        `json:"iterations"`
	Converged  bool       `json:"converged"`

	Carryforwards []Carryforward `json:"carryforwards,omitempty"`
}

// Provisions returns the provision sequence in application order.
func (c *Combination) Provisions() []Provision {
	out := make([]Provision, len(c.Items))
	for i, it := range c.Items {
		out[i] = it.Provision
	}
	return out
}

// MinTaxSubjectCount counts included items subject to the floor.
func (c *Combination) MinTaxSubjectCount() int {
	n := 0
	for _, it := range c.Items {
		if it.MinTaxSubject {
			n++
		}
	}
	return n
}

// GrantedTotal is the sum of exemptions and credits actually granted.
func (c *Combination) GrantedTotal() int64 {
	return c.ExemptionTotal + c.CreditTotal
}

// SearchState is a step of the per-request search state machine.
type SearchState string

const (
	StateEnumerating SearchState = "ENUMERATING"
	StateScoring     SearchState = "SCORING"
	StateConverged   SearchState = "CONVERGED"
	StateFallback    SearchState = "FALLBACK"
	StateSelected    SearchState = "SELECTED"
)

var searchTransitions = map[SearchState][]SearchState{
	StateEnumerating: {StateScoring, StateFallback},
	StateScoring:     {StateConverged},
	StateConverged:   {StateSelected},
	StateFallback:    {StateSelected},
}

// CanTransition reports whether the machine may move from s to next.
func (s SearchState) CanTransition(next SearchState) bool {
	for _, allowed := range searchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move and returns the new state.
func (s SearchState) Transition(next SearchState) (SearchState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal search transition %s -> %s", s, next)
	}
	return next, nil
}

// SearchResult is the output of the combination search. Warnings describe the
// selected combination only: a runner-up that did not converge shows it
// through its own Converged flag, not through WRN_004.
type SearchResult struct {
	Selected   *Combination         `json:"selected"`
	RunnerUps  []Combination        `json:"runnerUps,omitempty"`
	Violations []ExclusionViolation `json:"violations,omitempty"`
	Evaluated  int                  `json:"evaluated"`
	Mode       SearchMode           `json:"mode"`
	FinalState SearchState          `json:"finalState"`
	Warnings   []Warning            `json:"warnings,omitempty"`
}
