// Benchmark tool for the Heron combination search.
//
// Usage:
//
//	go run ./cmd/benchmark -sizes 4,8,12,15,20,40 -runs 50
//
// This tool:
//  1. Generates synthetic credit items over the known provisions
//  2. Runs the combination search in-process against the embedded reference data
//  3. Reports the search mode, subsets scored and latency for each candidate count
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/refdata"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/search"
)

var categories = []domain.Category{
	domain.CategoryStartup,
	domain.CategorySMESpecial,
	domain.CategoryRD,
	domain.CategoryInvestment,
	domain.CategoryEmployment,
	domain.CategorySocialInsurance,
}

// Metrics tracks the results for one candidate count.
type Metrics struct {
	Size      int
	Runs      int64
	Errors    int64
	Evaluated int64
	Greedy    int64
	NotConv   int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	sizesFlag := flag.String("sizes", "4,8,12,15,20,40", "Comma-separated candidate counts")
	runs := flag.Int("runs", 50, "Searches per candidate count")
	workers := flag.Int("workers", 4, "Number of concurrent searches")
	threshold := flag.Int("threshold", 0, "Greedy threshold (0 = engine default)")
	seed := flag.Int64("seed", 1, "Random seed for the synthetic items")
	flag.Parse()

	sizes, err := parseSizes(*sizesFlag)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	table, err := refdata.Default()
	if err != nil {
		fmt.Printf("ERROR: failed to load reference data: %v\n", err)
		os.Exit(1)
	}
	conds, err := rules.NewEngine()
	if err != nil {
		fmt.Printf("ERROR: failed to create rule engine: %v\n", err)
		os.Exit(1)
	}

	cfg := domain.DefaultEngineConfig()
	if *threshold > 0 {
		cfg.GreedyThreshold = *threshold
	}
	engine := search.NewEngine(table, conds, cfg)

	fmt.Println("HERON BENCHMARK - Combination Search")
	fmt.Printf("\nSizes:       %v\n", sizes)
	fmt.Printf("Runs:        %d\n", *runs)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Threshold:   %d\n", cfg.GreedyThreshold)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	rng := rand.New(rand.NewSource(*seed))
	var results []*Metrics
	start := time.Now()
	for _, size := range sizes {
		inputs := make([]search.Input, *runs)
		for i := range inputs {
			inputs[i] = syntheticInput(rng, fmt.Sprintf("bench-%d-%d", size, i), size)
		}
		m := runBenchmark(engine, inputs, *workers)
		m.Size = size
		results = append(results, m)
	}

	printResults(results, time.Since(start))
}

func parseSizes(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid size %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no sizes given")
	}
	return out, nil
}

// syntheticInput builds a small corporation with n priced credit items.
func syntheticInput(rng *rand.Rand, requestID string, n int) search.Input {
	computed := int64(50_000_000 + rng.Intn(150_000_000))
	items := make([]domain.CreditItem, n)
	for i := range items {
		c := categories[rng.Intn(len(categories))]
		p := c.DefaultProvision()
		gross := int64(1_000_000+rng.Intn(30_000_000)) / 10 * 10
		it := domain.CreditItem{
			ItemID:               fmt.Sprintf("item-%03d", i),
			Provision:            p,
			Category:             c,
			CreditType:           domain.CreditTypeCredit,
			TaxYear:              2024,
			GrossAmount:          gross,
			SurtaxExempt:         true,
			NetAmount:            gross,
			MinTaxSubject:        p != domain.ProvisionRD,
			CarryforwardEligible: p != domain.ProvisionStartup && p != domain.ProvisionSMESpecial,
		}
		switch p {
		case domain.ProvisionStartup, domain.ProvisionSMESpecial:
			it.CreditType = domain.CreditTypeExemption
			it.FloorAddBack = p == domain.ProvisionSMESpecial
		case domain.ProvisionInvestment, domain.ProvisionEmployment:
			it.SurtaxExempt = false
			it.SurtaxRate = decimal.RequireFromString("0.20")
			it.SurtaxAmount = gross / 5
			it.NetAmount = gross - it.SurtaxAmount
		}
		items[i] = it
	}

	return search.Input{
		RequestID: requestID,
		Taxpayer: domain.Taxpayer{
			TaxType:     domain.TaxTypeCorporate,
			CompanySize: domain.SizeSmall,
			Zone:        "NON_CAPITAL",
		},
		Filing: domain.Filing{
			TaxYear:       2024,
			ComputedTax:   computed,
			TaxableIncome: computed * 6,
		},
		Items: items,
	}
}

func runBenchmark(engine *search.Engine, inputs []search.Input, numWorkers int) *Metrics {
	metrics := &Metrics{}

	work := make(chan search.Input, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range work {
				start := time.Now()
				res, err := engine.Search(context.Background(), in, nil)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.Runs, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}
				atomic.AddInt64(&metrics.Evaluated, int64(res.Evaluated))
				if res.Mode == domain.ModeGreedy {
					atomic.AddInt64(&metrics.Greedy, 1)
				}
				if domain.HasWarning(res.Warnings, domain.CodeNotConverged) {
					atomic.AddInt64(&metrics.NotConv, 1)
				}
			}
		}()
	}

	for _, in := range inputs {
		work <- in
	}
	close(work)
	wg.Wait()

	return metrics
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(results []*Metrics, duration time.Duration) {
	fmt.Println("BENCHMARK RESULTS")
	fmt.Println()
	fmt.Printf("  %5s  %6s  %7s  %12s  %10s  %10s  %10s  %6s\n",
		"items", "runs", "greedy", "subsets/run", "avg", "p50", "p95", "errors")

	for _, m := range results {
		lat := slices.Clone(m.latencies)
		slices.Sort(lat)

		var total time.Duration
		for _, d := range lat {
			total += d
		}
		avg := time.Duration(0)
		perRun := int64(0)
		if m.Runs > 0 {
			avg = total / time.Duration(m.Runs)
			perRun = m.Evaluated / m.Runs
		}

		fmt.Printf("  %5d  %6d  %7d  %12d  %10v  %10v  %10v  %6d\n",
			m.Size, m.Runs, m.Greedy, perRun,
			avg.Round(time.Microsecond),
			percentile(lat, 0.50).Round(time.Microsecond),
			percentile(lat, 0.95).Round(time.Microsecond),
			m.Errors,
		)
	}

	fmt.Printf("\n  Total Duration:   %v\n", duration.Round(time.Millisecond))
	for _, m := range results {
		if m.NotConv > 0 {
			fmt.Printf("  %d items: %d runs did not converge on the minimum-tax floor\n", m.Size, m.NotConv)
		}
	}
	fmt.Println()
}
