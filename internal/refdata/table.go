// Package refdata provides the reference tables: the embedded default
// dataset, an in-memory lookup and a cached read-through wrapper.
package refdata

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/heron/internal/domain"
)

//go:embed reference.yaml
var defaultDataset []byte

// Table is an in-memory reference dataset. It is read-only after loading and
// safe for concurrent lookups.
type Table struct {
	Rates      []domain.RateRow       `yaml:"rates"`
	Surtax     []domain.SurtaxRule    `yaml:"surtax"`
	Exclusions []domain.ExclusionRule `yaml:"exclusions"`
	Brackets   []domain.BracketRow    `yaml:"brackets"`
	Interest   []domain.InterestRate  `yaml:"interest"`
}

// Default returns the embedded dataset.
func Default() (*Table, error) {
	return Parse(defaultDataset)
}

// Parse decodes a YAML dataset.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse reference dataset: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	for i, r := range t.Rates {
		if r.Category == "" {
			return fmt.Errorf("%w: rate %d has no category", domain.ErrInvalidInput, i)
		}
	}
	for i, r := range t.Exclusions {
		if r.ID == "" || r.ProvisionA == "" || r.ProvisionB == "" {
			return fmt.Errorf("%w: exclusion rule %d is incomplete", domain.ErrInvalidInput, i)
		}
		if r.Prefer != "" && r.Prefer != r.ProvisionA && r.Prefer != r.ProvisionB {
			return fmt.Errorf("%w: exclusion rule %s prefers %s outside its pair", domain.ErrInvalidInput, r.ID, r.Prefer)
		}
	}
	for i, r := range t.Interest {
		if !r.To.IsZero() && !r.To.After(r.From) {
			return fmt.Errorf("%w: interest rate %d has an empty range", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

// CreditRate implements domain.ReferenceData.
func (t *Table) CreditRate(_ context.Context, key domain.RateKey) (*domain.RateEntry, error) {
	return domain.SelectRate(t.Rates, key)
}

// SurtaxRule implements domain.ReferenceData.
func (t *Table) SurtaxRule(_ context.Context, provision domain.Provision, year int) (*domain.SurtaxRule, error) {
	return domain.SelectSurtax(t.Surtax, provision, year)
}

// ExclusionRules implements domain.ReferenceData.
func (t *Table) ExclusionRules(_ context.Context, provisions []domain.Provision, year int) ([]domain.ExclusionRule, error) {
	return domain.SelectExclusions(t.Exclusions, provisions, year), nil
}

// MinTaxBrackets implements domain.ReferenceData.
func (t *Table) MinTaxBrackets(_ context.Context, size domain.CompanySize, year int) ([]domain.MinTaxBracket, error) {
	return domain.SelectBrackets(t.Brackets, size, year), nil
}

// InterestRates implements domain.ReferenceData.
func (t *Table) InterestRates(_ context.Context, from, to time.Time) ([]domain.InterestRate, error) {
	return domain.SelectInterest(t.Interest, from, to), nil
}

// Seed writes every row of the table into a store.
func Seed(ctx context.Context, store domain.ReferenceStore, t *Table) error {
	for _, r := range t.Rates {
		if err := store.SaveCreditRate(ctx, r); err != nil {
			return fmt.Errorf("seed credit rate %s: %w", r.Category, err)
		}
	}
	for _, r := range t.Surtax {
		if err := store.SaveSurtaxRule(ctx, r); err != nil {
			return fmt.Errorf("seed surtax rule %s: %w", r.Provision, err)
		}
	}
	for _, r := range t.Exclusions {
		if err := store.SaveExclusionRule(ctx, r); err != nil {
			return fmt.Errorf("seed exclusion rule %s: %w", r.ID, err)
		}
	}
	for _, r := range t.Brackets {
		if err := store.SaveMinTaxBracket(ctx, r); err != nil {
			return fmt.Errorf("seed min-tax bracket: %w", err)
		}
	}
	for _, r := range t.Interest {
		if err := store.SaveInterestRate(ctx, r); err != nil {
			return fmt.Errorf("seed interest rate: %w", err)
		}
	}
	return nil
}
