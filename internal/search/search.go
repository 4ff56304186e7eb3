// Package search finds the best exclusion-consistent combination of credit
// items for one request.
package search

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
)

// combinationNamespace seeds deterministic combination IDs.
var combinationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://opensource.finance/heron/combination"))

// Conditions evaluates the optional condition of an exclusion rule.
type Conditions interface {
	ConditionHolds(ctx context.Context, expr string, tp domain.Taxpayer, f domain.Filing) (bool, error)
}

// Engine runs the combination search. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	ref   domain.ReferenceData
	conds Conditions
	cfg   domain.EngineConfig
}

// NewEngine creates a search engine. conds may be nil, in which case every
// conditional rule applies.
func NewEngine(ref domain.ReferenceData, conds Conditions, cfg domain.EngineConfig) *Engine {
	def := domain.DefaultEngineConfig()
	if cfg.GreedyThreshold <= 0 {
		cfg.GreedyThreshold = def.GreedyThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.RunnerUps < 0 {
		cfg.RunnerUps = 0
	}
	if cfg.CarryforwardYears <= 0 {
		cfg.CarryforwardYears = def.CarryforwardYears
	}
	return &Engine{ref: ref, conds: conds, cfg: cfg}
}

// Input is the search input for one request.
type Input struct {
	RequestID string
	Taxpayer  domain.Taxpayer
	Filing    domain.Filing
	Items     []domain.CreditItem
}

// Search scores the candidate items and selects a combination. Context
// cancellation aborts the search with no result.
func (e *Engine) Search(ctx context.Context, in Input, sink domain.TraceSink) (*domain.SearchResult, error) {
	if sink == nil {
		sink = nopSink{}
	}
	rec := recorder{sink: sink, requestID: in.RequestID}
	state := domain.StateEnumerating

	items := canonical(in.Items)
	rules, err := e.exclusions(ctx, in, items)
	if err != nil {
		return nil, err
	}
	brackets, err := e.ref.MinTaxBrackets(ctx, in.Taxpayer.CompanySize, in.Filing.TaxYear)
	if err != nil {
		return nil, &domain.CalculationError{Stage: domain.StageSearch, Err: fmt.Errorf("minimum tax brackets: %w", err)}
	}

	sc := &scorer{
		computedTax:   in.Filing.ComputedTax,
		taxableIncome: in.Filing.TaxableIncome,
		brackets:      brackets,
		maxIterations: e.cfg.MaxIterations,
		epsilon:       e.cfg.Epsilon,
		taxYear:       in.Filing.TaxYear,
		carryYears:    e.cfg.CarryforwardYears,
	}
	idx := newConflictIndex(rules)

	res := &domain.SearchResult{}
	candidates, dropped := applyPrecedence(items, rules)
	for _, v := range dropped {
		rec.record(ctx, domain.EventPrecedenceDrop, map[string]any{
			"rule":    v.RuleID,
			"kept":    string(v.Kept),
			"dropped": string(v.Dropped),
			"items":   v.DroppedItems,
		})
	}
	res.Violations = append(res.Violations, dropped...)

	var ranked []domain.Combination
	if len(candidates) > e.cfg.GreedyThreshold {
		if err := advance(&state, domain.StateFallback); err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, domain.NewWarning(domain.CodeGreedyFallback, "count", len(candidates)))
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search aborted: %w", err)
		}
		ranked = []domain.Combination{greedy(candidates, idx, sc)}
		res.Mode = domain.ModeGreedy
		res.Evaluated = 1
	} else {
		if err := advance(&state, domain.StateScoring); err != nil {
			return nil, err
		}
		ranked, res.Evaluated, err = e.enumerate(ctx, candidates, idx, sc)
		if err != nil {
			return nil, fmt.Errorf("search aborted: %w", err)
		}
		if err := advance(&state, domain.StateConverged); err != nil {
			return nil, err
		}
		res.Mode = domain.ModeExhaustive
	}

	if err := advance(&state, domain.StateSelected); err != nil {
		return nil, err
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
		ranked[i].ID = combinationID(in.RequestID, ranked[i].Items)
		rec.record(ctx, domain.EventCombinationScored, map[string]any{
			"rank":       ranked[i].Rank,
			"provisions": provisionNames(ranked[i].Items),
			"net_refund": ranked[i].NetRefund,
			"iterations": ranked[i].Iterations,
		})
	}

	selected := ranked[0]
	res.Selected = &selected
	res.RunnerUps = ranked[1:]
	res.FinalState = state
	res.Violations = append(res.Violations, idx.violations(res.Selected, candidates)...)

	if !selected.Converged {
		res.Warnings = append(res.Warnings, domain.NewWarning(domain.CodeNotConverged, "iterations", selected.Iterations))
	}

	// Replay the selected combination's fixed point into the trace.
	sc.score(itemsOf(candidates, selected.Items), func(it iteration) {
		rec.record(ctx, domain.EventFixedPoint, map[string]any{
			"iteration":  it.N,
			"floor_base": it.FloorBase,
			"floor":      it.Floor,
			"adjustment": it.Adjustment,
		})
	})
	rec.record(ctx, domain.EventSelected, map[string]any{
		"combination": selected.ID,
		"mode":        string(res.Mode),
		"evaluated":   res.Evaluated,
		"net_refund":  selected.NetRefund,
	})

	return res, nil
}

// exclusions loads the rules touching the candidate provisions and drops
// conditional rules whose condition does not hold. A condition that fails to
// evaluate keeps its rule.
func (e *Engine) exclusions(ctx context.Context, in Input, items []domain.CreditItem) ([]domain.ExclusionRule, error) {
	var provisions []domain.Provision
	for _, it := range items {
		if !slices.Contains(provisions, it.Provision) {
			provisions = append(provisions, it.Provision)
		}
	}
	if len(provisions) == 0 {
		return nil, nil
	}

	all, err := e.ref.ExclusionRules(ctx, provisions, in.Filing.TaxYear)
	if err != nil {
		return nil, &domain.CalculationError{Stage: domain.StageSearch, Err: fmt.Errorf("exclusion rules: %w", err)}
	}

	rules := make([]domain.ExclusionRule, 0, len(all))
	for _, r := range all {
		if r.Condition != "" && e.conds != nil {
			ok, err := e.conds.ConditionHolds(ctx, r.Condition, in.Taxpayer, in.Filing)
			if err == nil && !ok {
				continue
			}
		}
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// enumerate scores every exclusion-consistent subset, the empty one
// included, and returns the best RunnerUps+1 in rank order.
func (e *Engine) enumerate(ctx context.Context, items []domain.CreditItem, idx conflictIndex, sc *scorer) ([]domain.Combination, int, error) {
	top := &ranking{limit: e.cfg.RunnerUps + 1}
	chosen := make([]domain.CreditItem, 0, len(items))
	inUse := make(map[domain.Provision]int)
	evaluated := 0

	var walk func(i int) error
	walk = func(i int) error {
		if i == len(items) {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := sc.score(chosen, nil)
			c.Mode = domain.ModeExhaustive
			c.Exhaustive = true
			top.offer(c)
			evaluated++
			return nil
		}

		it := items[i]
		if !idx.blocked(it.Provision, inUse) {
			chosen = append(chosen, it)
			inUse[it.Provision]++
			if err := walk(i + 1); err != nil {
				return err
			}
			chosen = chosen[:len(chosen)-1]
			inUse[it.Provision]--
		}
		return walk(i + 1)
	}

	if err := walk(0); err != nil {
		return nil, evaluated, err
	}
	return top.items, evaluated, nil
}

// greedy adds items by net amount descending, skipping any that conflict
// with an item already taken.
func greedy(items []domain.CreditItem, idx conflictIndex, sc *scorer) domain.Combination {
	order := slices.Clone(items)
	slices.SortStableFunc(order, func(a, b domain.CreditItem) int {
		if a.NetAmount != b.NetAmount {
			return cmp.Compare(b.NetAmount, a.NetAmount)
		}
		return compareItems(a, b)
	})

	var chosen []domain.CreditItem
	inUse := make(map[domain.Provision]int)
	for _, it := range order {
		if idx.blocked(it.Provision, inUse) {
			continue
		}
		chosen = append(chosen, it)
		inUse[it.Provision]++
	}

	c := sc.score(canonical(chosen), nil)
	c.Mode = domain.ModeGreedy
	c.Exhaustive = false
	return c
}

// advance moves the state machine, turning an illegal move into a stage
// calculation error.
func advance(state *domain.SearchState, next domain.SearchState) error {
	s, err := state.Transition(next)
	if err != nil {
		return &domain.CalculationError{Stage: domain.StageSearch, Err: err}
	}
	*state = s
	return nil
}

// canonical returns the items in application order: provision by article
// and sub-article, then item ID.
func canonical(items []domain.CreditItem) []domain.CreditItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, compareItems)
	return out
}

func compareItems(a, b domain.CreditItem) int {
	if c := a.Provision.Compare(b.Provision); c != 0 {
		return c
	}
	return strings.Compare(a.ItemID, b.ItemID)
}

// itemsOf returns the candidates backing the applied items, in their order.
func itemsOf(candidates []domain.CreditItem, applied []domain.AppliedItem) []domain.CreditItem {
	byID := make(map[string]domain.CreditItem, len(candidates))
	for _, c := range candidates {
		byID[c.ItemID] = c
	}
	out := make([]domain.CreditItem, 0, len(applied))
	for _, a := range applied {
		out = append(out, byID[a.ItemID])
	}
	return out
}

func combinationID(requestID string, items []domain.AppliedItem) string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ItemID
	}
	return uuid.NewSHA1(combinationNamespace, []byte(requestID+"|"+strings.Join(ids, ","))).String()
}

func provisionNames(items []domain.AppliedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it.Provision)
	}
	return out
}

type recorder struct {
	sink      domain.TraceSink
	requestID string
}

func (r recorder) record(ctx context.Context, name string, attrs map[string]any) {
	r.sink.Record(ctx, domain.TraceEvent{
		RequestID: r.requestID,
		Stage:     domain.StageSearch,
		Name:      name,
		At:        time.Now().UTC(),
		Attrs:     attrs,
	})
}

type nopSink struct{}

func (nopSink) Record(context.Context, domain.TraceEvent) {}
