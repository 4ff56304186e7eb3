package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/refdata"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// credit builds a credit item with a surtax share already priced.
func credit(id string, p domain.Provision, gross, surtax int64, subject bool) domain.CreditItem {
	return domain.CreditItem{
		ItemID:        id,
		Provision:     p,
		CreditType:    domain.CreditTypeCredit,
		TaxYear:       2024,
		GrossAmount:   gross,
		SurtaxAmount:  surtax,
		SurtaxExempt:  surtax == 0,
		NetAmount:     gross - surtax,
		MinTaxSubject: subject,
	}
}

func exemption(id string, p domain.Provision, gross int64, subject, addBack bool) domain.CreditItem {
	it := credit(id, p, gross, 0, subject)
	it.CreditType = domain.CreditTypeExemption
	it.FloorAddBack = addBack
	return it
}

func forbid(id string, a, b domain.Provision) domain.ExclusionRule {
	return domain.ExclusionRule{ID: id, ProvisionA: a, ProvisionB: b, LegalBasis: "§127"}
}

func flatFloor(rate string) []domain.BracketRow {
	return []domain.BracketRow{{MinTaxBracket: domain.MinTaxBracket{Rate: dec(rate)}}}
}

func smallCorp(computed, taxable int64, items ...domain.CreditItem) Input {
	return Input{
		RequestID: "req-001",
		Taxpayer:  domain.Taxpayer{TaxType: domain.TaxTypeCorporate, CompanySize: domain.SizeSmall, Zone: "NON_CAPITAL"},
		Filing:    domain.Filing{TaxYear: 2024, ComputedTax: computed, TaxableIncome: taxable},
		Items:     items,
	}
}

func run(t *testing.T, eng *Engine, in Input) *domain.SearchResult {
	t.Helper()
	res, err := eng.Search(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if res.Selected == nil {
		t.Fatal("expected a selected combination")
	}
	return res
}

func TestScenarioA_NoExclusionBelowFloor(t *testing.T) {
	ref := &refdata.Table{Brackets: flatFloor("0.07")}
	eng := NewEngine(ref, nil, domain.DefaultEngineConfig())

	res := run(t, eng, smallCorp(80_000_000, 500_000_000,
		credit("inv", domain.ProvisionInvestment, 12_000_000, 2_400_000, true),
		credit("rd", domain.ProvisionRD, 12_500_000, 0, false),
	))

	sel := res.Selected
	if len(sel.Items) != 2 {
		t.Fatalf("expected both items, got %v", sel.Provisions())
	}
	if sel.Items[0].Provision != domain.ProvisionRD || sel.Items[1].Provision != domain.ProvisionInvestment {
		t.Errorf("expected application order §10, §24, got %v", sel.Provisions())
	}
	if sel.MinTaxAdjustment != 0 {
		t.Errorf("expected zero adjustment, got %d", sel.MinTaxAdjustment)
	}
	if sel.MinTaxFloor != 35_000_000 {
		t.Errorf("expected floor 35000000, got %d", sel.MinTaxFloor)
	}
	if sel.CreditTotal != 24_500_000 || sel.SurtaxTotal != 2_400_000 || sel.NetRefund != 22_100_000 {
		t.Errorf("unexpected totals %+v", sel)
	}
	if !sel.Converged || sel.Iterations != 1 {
		t.Errorf("expected convergence on the first pass, got %d %v", sel.Iterations, sel.Converged)
	}
	if res.Evaluated != 4 || len(res.RunnerUps) != 3 {
		t.Errorf("expected 4 evaluated and 3 runner-ups, got %d and %d", res.Evaluated, len(res.RunnerUps))
	}
	if res.FinalState != domain.StateSelected || res.Mode != domain.ModeExhaustive {
		t.Errorf("unexpected final state %s mode %s", res.FinalState, res.Mode)
	}
	if sel.Rank != 1 || res.RunnerUps[0].Rank != 2 {
		t.Error("expected ranks to follow order")
	}
	if len(res.Violations) != 0 || len(res.Warnings) != 0 {
		t.Errorf("expected no violations or warnings, got %v %v", res.Violations, res.Warnings)
	}
}

func TestScenarioB_Exclusion(t *testing.T) {
	t.Run("higher net wins", func(t *testing.T) {
		ref := &refdata.Table{Exclusions: []domain.ExclusionRule{forbid("EX-6-7", domain.ProvisionStartup, domain.ProvisionSMESpecial)}}
		eng := NewEngine(ref, nil, domain.DefaultEngineConfig())

		res := run(t, eng, smallCorp(80_000_000, 500_000_000,
			exemption("st", domain.ProvisionStartup, 5_000_000, false, false),
			exemption("sme", domain.ProvisionSMESpecial, 2_469_130, true, true),
		))

		if got := res.Selected.Provisions(); len(got) != 1 || got[0] != domain.ProvisionStartup {
			t.Fatalf("expected §6 alone, got %v", got)
		}
		if res.Evaluated != 3 {
			t.Errorf("expected 3 consistent subsets, got %d", res.Evaluated)
		}
		if len(res.RunnerUps) == 0 || res.RunnerUps[0].Items[0].ItemID != "sme" {
			t.Errorf("expected excluded item as first runner-up, got %+v", res.RunnerUps)
		}
		if len(res.Violations) != 1 {
			t.Fatalf("expected one violation, got %v", res.Violations)
		}
		v := res.Violations[0]
		if v.RuleID != "EX-6-7" || v.Kept != domain.ProvisionStartup || v.Dropped != domain.ProvisionSMESpecial || v.ByPrecedence {
			t.Errorf("unexpected violation %+v", v)
		}
		if len(v.DroppedItems) != 1 || v.DroppedItems[0] != "sme" || v.KeptItemID != "st" {
			t.Errorf("unexpected violation items %+v", v)
		}
	})

	t.Run("legal precedence", func(t *testing.T) {
		rule := forbid("EX-7-29", domain.ProvisionSMESpecial, domain.ProvisionEmployment)
		rule.Prefer = domain.ProvisionEmployment
		ref := &refdata.Table{Exclusions: []domain.ExclusionRule{rule}}
		eng := NewEngine(ref, nil, domain.DefaultEngineConfig())

		res := run(t, eng, smallCorp(80_000_000, 500_000_000,
			exemption("sme", domain.ProvisionSMESpecial, 20_000_000, true, true),
			credit("emp", domain.ProvisionEmployment, 1_000_000, 0, true),
		))

		if got := res.Selected.Provisions(); len(got) != 1 || got[0] != domain.ProvisionEmployment {
			t.Fatalf("expected preferred §29의8, got %v", got)
		}
		if res.Evaluated != 2 {
			t.Errorf("expected dropped items to be left out of enumeration, got %d", res.Evaluated)
		}
		if len(res.Violations) != 1 || !res.Violations[0].ByPrecedence || res.Violations[0].DroppedItems[0] != "sme" {
			t.Errorf("unexpected violations %+v", res.Violations)
		}
	})
}

type stubConditions struct {
	holds bool
	err   error
}

func (s stubConditions) ConditionHolds(context.Context, string, domain.Taxpayer, domain.Filing) (bool, error) {
	return s.holds, s.err
}

func TestConditionalExclusion(t *testing.T) {
	rule := forbid("EX-COND", domain.ProvisionInvestment, domain.ProvisionEmployment)
	rule.Condition = `taxpayer.zone == "OVERCROWDED"`
	ref := &refdata.Table{Exclusions: []domain.ExclusionRule{rule}}
	in := smallCorp(80_000_000, 500_000_000,
		credit("inv", domain.ProvisionInvestment, 1_000_000, 0, false),
		credit("emp", domain.ProvisionEmployment, 2_000_000, 0, false),
	)

	tests := []struct {
		name  string
		conds Conditions
		want  int
	}{
		{"condition holds", stubConditions{holds: true}, 1},
		{"condition does not hold", stubConditions{holds: false}, 2},
		{"evaluation error applies rule", stubConditions{err: errors.New("no such key")}, 1},
		{"no evaluator applies rule", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, NewEngine(ref, tt.conds, domain.DefaultEngineConfig()), in)
			if len(res.Selected.Items) != tt.want {
				t.Errorf("expected %d items, got %v", tt.want, res.Selected.Provisions())
			}
		})
	}
}

func TestScenarioC_GreedyFallback(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.GreedyThreshold = 40
	eng := NewEngine(&refdata.Table{}, nil, cfg)

	var items []domain.CreditItem
	for i := 0; i < 45; i++ {
		items = append(items, credit(fmt.Sprintf("inv-%02d", i), domain.ProvisionInvestment, int64(1_000_000+i*10), 0, true))
	}
	res := run(t, eng, smallCorp(1_000_000_000, 5_000_000_000, items...))

	if res.Mode != domain.ModeGreedy || res.FinalState != domain.StateSelected {
		t.Errorf("expected greedy selection, got %s %s", res.Mode, res.FinalState)
	}
	if res.Evaluated != 1 || len(res.RunnerUps) != 0 {
		t.Errorf("expected exactly one combination, got %d evaluated, %d runner-ups", res.Evaluated, len(res.RunnerUps))
	}
	if res.Selected.Exhaustive || res.Selected.Mode != domain.ModeGreedy {
		t.Error("expected combination flagged as greedy")
	}
	if len(res.Selected.Items) != 45 {
		t.Errorf("expected all 45 items, got %d", len(res.Selected.Items))
	}
	w, ok := domain.FindWarning(res.Warnings, domain.CodeGreedyFallback)
	if !ok {
		t.Fatal("expected WRN_005")
	}
	if w.Params["count"] != 45 {
		t.Errorf("expected count 45, got %v", w.Params["count"])
	}
}

func TestGreedySkipsConflicts(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.GreedyThreshold = 2
	ref := &refdata.Table{Exclusions: []domain.ExclusionRule{forbid("EX-6-7", domain.ProvisionStartup, domain.ProvisionSMESpecial)}}
	eng := NewEngine(ref, nil, cfg)

	res := run(t, eng, smallCorp(80_000_000, 500_000_000,
		exemption("st", domain.ProvisionStartup, 3_000_000, false, false),
		exemption("sme", domain.ProvisionSMESpecial, 5_000_000, true, true),
		credit("inv", domain.ProvisionInvestment, 1_000_000, 200_000, true),
	))

	got := res.Selected.Provisions()
	if len(got) != 2 || got[0] != domain.ProvisionSMESpecial || got[1] != domain.ProvisionInvestment {
		t.Fatalf("expected §7 then §24, got %v", got)
	}
	if len(res.Violations) != 1 || res.Violations[0].Dropped != domain.ProvisionStartup {
		t.Errorf("unexpected violations %+v", res.Violations)
	}
}

func TestScenarioD_NonConvergence(t *testing.T) {
	ref := &refdata.Table{Brackets: []domain.BracketRow{
		{MinTaxBracket: domain.MinTaxBracket{Upper: 2_800_000, Rate: dec("0.05")}},
		{MinTaxBracket: domain.MinTaxBracket{Lower: 2_800_000, Rate: dec("0.30")}},
	}}
	eng := NewEngine(ref, nil, domain.DefaultEngineConfig())

	res := run(t, eng, smallCorp(1_000_000, 2_000_000,
		exemption("sme", domain.ProvisionSMESpecial, 1_000_000, true, true),
	))

	sel := res.Selected
	if sel.Converged {
		t.Fatal("expected the floor to oscillate")
	}
	if sel.Iterations != 5 {
		t.Errorf("expected 5 iterations, got %d", sel.Iterations)
	}
	if sel.MinTaxAdjustment != 868_020 || sel.ExemptionTotal != 131_980 || sel.NetRefund != 131_980 {
		t.Errorf("expected last iteration state, got adj=%d exemption=%d net=%d",
			sel.MinTaxAdjustment, sel.ExemptionTotal, sel.NetRefund)
	}
	if !sel.Items[0].Suppressed {
		t.Error("expected the item to be marked suppressed")
	}
	w, ok := domain.FindWarning(res.Warnings, domain.CodeNotConverged)
	if !ok {
		t.Fatal("expected WRN_004")
	}
	if w.Params["iterations"] != 5 {
		t.Errorf("expected iterations 5, got %v", w.Params["iterations"])
	}

	count := 0
	for _, w := range res.Warnings {
		if w.Code == domain.CodeNotConverged {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one WRN_004 for the selected combination, got %d", count)
	}
}

func TestTieBreak(t *testing.T) {
	ref := &refdata.Table{Exclusions: []domain.ExclusionRule{forbid("EX-24-29", domain.ProvisionInvestment, domain.ProvisionEmployment)}}
	eng := NewEngine(ref, nil, domain.DefaultEngineConfig())

	t.Run("smaller provision sequence", func(t *testing.T) {
		a := credit("emp", domain.ProvisionEmployment, 1_000_000, 0, true)
		b := credit("inv", domain.ProvisionInvestment, 1_000_000, 0, true)

		first := run(t, eng, smallCorp(80_000_000, 500_000_000, a, b))
		second := run(t, eng, smallCorp(80_000_000, 500_000_000, b, a))

		if first.Selected.Items[0].ItemID != "inv" {
			t.Errorf("expected §24 to win the tie, got %v", first.Selected.Provisions())
		}
		if first.Selected.ID != second.Selected.ID {
			t.Error("expected the same combination regardless of input order")
		}
		if first.RunnerUps[0].Items[0].ItemID != "emp" {
			t.Errorf("expected §29의8 as runner-up, got %+v", first.RunnerUps[0])
		}
	})

	t.Run("fewer minimum tax subjects", func(t *testing.T) {
		subject := credit("inv", domain.ProvisionInvestment, 1_000_000, 0, true)
		free := credit("emp", domain.ProvisionEmployment, 1_000_000, 0, false)

		res := run(t, eng, smallCorp(80_000_000, 500_000_000, subject, free))
		if res.Selected.Items[0].ItemID != "emp" {
			t.Errorf("expected the non-subject item, got %v", res.Selected.Provisions())
		}
	})
}

func TestExclusionSoundness(t *testing.T) {
	provisions := []domain.Provision{
		domain.ProvisionStartup, domain.ProvisionSMESpecial, domain.ProvisionRD,
		domain.ProvisionInvestment, domain.ProvisionEmployment, domain.ProvisionSocialInsurance,
	}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 25; round++ {
		var rules []domain.ExclusionRule
		for i := 0; i < len(provisions); i++ {
			for j := i + 1; j < len(provisions); j++ {
				if rng.Intn(3) == 0 {
					rules = append(rules, forbid(fmt.Sprintf("R%d-%d", i, j), provisions[i], provisions[j]))
				}
			}
		}
		var items []domain.CreditItem
		for i := 0; i < 8; i++ {
			p := provisions[rng.Intn(len(provisions))]
			items = append(items, credit(fmt.Sprintf("it-%d", i), p, int64(rng.Intn(500))*10_000, 0, rng.Intn(2) == 0))
		}

		eng := NewEngine(&refdata.Table{Exclusions: rules, Brackets: flatFloor("0.07")}, nil, domain.DefaultEngineConfig())
		res := run(t, eng, smallCorp(50_000_000, 300_000_000, items...))

		forbidden := make(map[domain.PairKey]bool)
		for _, r := range rules {
			forbidden[r.Key()] = true
		}
		all := append([]domain.Combination{*res.Selected}, res.RunnerUps...)
		for _, c := range all {
			if !c.Valid {
				t.Fatalf("round %d: invalid combination returned", round)
			}
			for i := range c.Items {
				for j := i + 1; j < len(c.Items); j++ {
					if forbidden[domain.MakePairKey(c.Items[i].Provision, c.Items[j].Provision)] {
						t.Fatalf("round %d: forbidden pair %s/%s in combination", round, c.Items[i].Provision, c.Items[j].Provision)
					}
				}
			}
			if c.NetRefund > res.Selected.NetRefund {
				t.Fatalf("round %d: runner-up beats selected", round)
			}
			if c.Iterations > 5 || c.NetRefund < 0 || c.NetRefund%10 != 0 {
				t.Fatalf("round %d: bad combination %+v", round, c)
			}
		}
	}
}

func TestNoCandidates(t *testing.T) {
	res := run(t, NewEngine(&refdata.Table{}, nil, domain.DefaultEngineConfig()), smallCorp(1_000_000, 10_000_000))

	if len(res.Selected.Items) != 0 || res.Selected.NetRefund != 0 || !res.Selected.Valid {
		t.Errorf("expected a valid zero combination, got %+v", res.Selected)
	}
	if res.Evaluated != 1 {
		t.Errorf("expected the empty subset to be scored, got %d", res.Evaluated)
	}
}

func TestCeilingAndCarryforward(t *testing.T) {
	eng := NewEngine(&refdata.Table{}, nil, domain.DefaultEngineConfig())

	rd := credit("rd", domain.ProvisionRD, 800_000, 0, false)
	rd.CarryforwardEligible = true
	inv := credit("inv", domain.ProvisionInvestment, 500_000, 100_000, true)
	inv.CarryforwardEligible = true

	res := run(t, eng, smallCorp(1_000_000, 10_000_000, inv, rd))
	sel := res.Selected

	if sel.CreditTotal != 1_000_000 {
		t.Errorf("expected grants capped at computed tax, got %d", sel.CreditTotal)
	}
	if sel.Items[1].Granted != 200_000 || sel.Items[1].Surtax != 40_000 {
		t.Errorf("expected surtax scaled to granted share, got %+v", sel.Items[1])
	}
	if sel.NetRefund != 960_000 {
		t.Errorf("expected net 960000, got %d", sel.NetRefund)
	}
	if len(sel.Carryforwards) != 1 {
		t.Fatalf("expected one carryforward, got %+v", sel.Carryforwards)
	}
	cf := sel.Carryforwards[0]
	if cf.ItemID != "inv" || cf.Amount != 300_000 || cf.ExpiryYear != 2034 {
		t.Errorf("unexpected carryforward %+v", cf)
	}
}

type recordingSink struct {
	events []domain.TraceEvent
}

func (s *recordingSink) Record(_ context.Context, ev domain.TraceEvent) {
	s.events = append(s.events, ev)
}

func TestTraceEvents(t *testing.T) {
	ref := &refdata.Table{Brackets: flatFloor("0.07")}
	eng := NewEngine(ref, nil, domain.DefaultEngineConfig())
	sink := &recordingSink{}

	_, err := eng.Search(context.Background(), smallCorp(10_000_000, 100_000_000,
		credit("inv", domain.ProvisionInvestment, 1_000_000, 0, true),
	), sink)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	counts := map[string]int{}
	for _, ev := range sink.events {
		if ev.Stage != domain.StageSearch || ev.RequestID != "req-001" {
			t.Errorf("unexpected event header %+v", ev)
		}
		counts[ev.Name]++
	}
	if counts[domain.EventCombinationScored] != 2 || counts[domain.EventSelected] != 1 || counts[domain.EventFixedPoint] != 1 {
		t.Errorf("unexpected event counts %v", counts)
	}
}

func TestSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := NewEngine(&refdata.Table{}, nil, domain.DefaultEngineConfig())
	_, err := eng.Search(ctx, smallCorp(1_000, 1_000, credit("a", domain.ProvisionRD, 10, 0, false)), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAdvance(t *testing.T) {
	state := domain.StateEnumerating
	if err := advance(&state, domain.StateScoring); err != nil || state != domain.StateScoring {
		t.Fatalf("expected legal move, got %v", err)
	}

	err := advance(&state, domain.StateFallback)
	var calcErr *domain.CalculationError
	if !errors.As(err, &calcErr) || calcErr.Stage != domain.StageSearch {
		t.Fatalf("expected stage M5 calculation error, got %v", err)
	}
	if state != domain.StateScoring {
		t.Errorf("state should not move on an illegal transition, got %s", state)
	}
}
