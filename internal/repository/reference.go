package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

// Reference lookups load the candidate rows with SQL and leave selection to
// the domain helpers, so every ReferenceData implementation picks the same
// row for the same key.

func rateKey(row domain.RateRow) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		row.Category, row.CompanySize, row.Zone, row.Variant, row.YearFrom, row.YearTo)
}

// SaveCreditRate stores a credit rate row, replacing the row with the same
// selectors and year range.
func (r *SQLRepository) SaveCreditRate(ctx context.Context, row domain.RateRow) error {
	if row.Category == "" {
		return fmt.Errorf("%w: rate category is required", ErrInvalidInput)
	}

	entry, err := json.Marshal(row.RateEntry)
	if err != nil {
		return fmt.Errorf("encode rate entry: %w", err)
	}

	query := `
		INSERT INTO credit_rates (
			rate_key, category, company_size, zone, variant, year_from, year_to, entry
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rate_key) DO UPDATE SET
			entry = excluded.entry
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rateKey(row), string(row.Category), string(row.CompanySize), row.Zone, row.Variant,
		row.YearFrom, row.YearTo, string(entry),
	)
	return err
}

// CreditRate implements domain.ReferenceData.
func (r *SQLRepository) CreditRate(ctx context.Context, key domain.RateKey) (*domain.RateEntry, error) {
	query := `
		SELECT company_size, zone, variant, year_from, year_to, entry
		FROM credit_rates
		WHERE category = ?
		ORDER BY rate_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(key.Category))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.RateRow
	for rows.Next() {
		row := domain.RateRow{Category: key.Category}
		var size, entry string

		if err := rows.Scan(&size, &row.Zone, &row.Variant, &row.YearFrom, &row.YearTo, &entry); err != nil {
			return nil, err
		}
		row.CompanySize = domain.CompanySize(size)
		if err := json.Unmarshal([]byte(entry), &row.RateEntry); err != nil {
			return nil, fmt.Errorf("decode rate entry: %w", err)
		}
		candidates = append(candidates, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.SelectRate(candidates, key)
}

// SaveSurtaxRule stores the surtax treatment of a provision for a year range.
func (r *SQLRepository) SaveSurtaxRule(ctx context.Context, rule domain.SurtaxRule) error {
	if rule.Provision == "" {
		return fmt.Errorf("%w: surtax provision is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO surtax_rules (provision, year_from, year_to, exempt, rate)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provision, year_from, year_to) DO UPDATE SET
			exempt = excluded.exempt,
			rate = excluded.rate
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(rule.Provision), rule.YearFrom, rule.YearTo, boolInt(rule.Exempt), rule.Rate.String(),
	)
	return err
}

// SurtaxRule implements domain.ReferenceData.
func (r *SQLRepository) SurtaxRule(ctx context.Context, provision domain.Provision, year int) (*domain.SurtaxRule, error) {
	query := `
		SELECT year_from, year_to, exempt, rate
		FROM surtax_rules
		WHERE provision = ?
		ORDER BY year_from, year_to
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(provision))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.SurtaxRule
	for rows.Next() {
		rule := domain.SurtaxRule{Provision: provision}
		var exempt int
		var rate string

		if err := rows.Scan(&rule.YearFrom, &rule.YearTo, &exempt, &rate); err != nil {
			return nil, err
		}
		rule.Exempt = exempt == 1
		if rule.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("decode surtax rate for %s: %w", provision, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.SelectSurtax(rules, provision, year)
}

// SaveExclusionRule stores an exclusion rule keyed by its ID.
func (r *SQLRepository) SaveExclusionRule(ctx context.Context, rule domain.ExclusionRule) error {
	if rule.ID == "" || rule.ProvisionA == "" || rule.ProvisionB == "" {
		return fmt.Errorf("%w: exclusion rule needs an id and two provisions", ErrInvalidInput)
	}
	if rule.Prefer != "" && rule.Prefer != rule.ProvisionA && rule.Prefer != rule.ProvisionB {
		return fmt.Errorf("%w: exclusion rule %s prefers a provision it does not name", ErrInvalidInput, rule.ID)
	}

	query := `
		INSERT INTO exclusion_rules (
			id, provision_a, provision_b, allowed, condition_expr, prefer,
			condition_note, legal_basis, year_from, year_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provision_a = excluded.provision_a,
			provision_b = excluded.provision_b,
			allowed = excluded.allowed,
			condition_expr = excluded.condition_expr,
			prefer = excluded.prefer,
			condition_note = excluded.condition_note,
			legal_basis = excluded.legal_basis,
			year_from = excluded.year_from,
			year_to = excluded.year_to
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, string(rule.ProvisionA), string(rule.ProvisionB), boolInt(rule.Allowed),
		rule.Condition, string(rule.Prefer), rule.ConditionNote, rule.LegalBasis,
		rule.YearFrom, rule.YearTo,
	)
	return err
}

// ListExclusionRules returns every stored exclusion rule ordered by ID.
func (r *SQLRepository) ListExclusionRules(ctx context.Context) ([]domain.ExclusionRule, error) {
	query := `
		SELECT id, provision_a, provision_b, allowed, condition_expr, prefer,
			   condition_note, legal_basis, year_from, year_to
		FROM exclusion_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.ExclusionRule, 0)
	for rows.Next() {
		var rule domain.ExclusionRule
		var a, b, prefer string
		var allowed int

		if err := rows.Scan(
			&rule.ID, &a, &b, &allowed, &rule.Condition, &prefer,
			&rule.ConditionNote, &rule.LegalBasis, &rule.YearFrom, &rule.YearTo,
		); err != nil {
			return nil, err
		}
		rule.ProvisionA = domain.Provision(a)
		rule.ProvisionB = domain.Provision(b)
		rule.Prefer = domain.Provision(prefer)
		rule.Allowed = allowed == 1
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// ExclusionRules implements domain.ReferenceData.
func (r *SQLRepository) ExclusionRules(ctx context.Context, provisions []domain.Provision, year int) ([]domain.ExclusionRule, error) {
	rules, err := r.ListExclusionRules(ctx)
	if err != nil {
		return nil, err
	}
	return domain.SelectExclusions(rules, provisions, year), nil
}

// SaveMinTaxBracket stores a minimum-tax bracket.
func (r *SQLRepository) SaveMinTaxBracket(ctx context.Context, row domain.BracketRow) error {
	if row.Upper != 0 && row.Upper <= row.Lower {
		return fmt.Errorf("%w: bracket upper bound must exceed lower bound", ErrInvalidInput)
	}

	query := `
		INSERT INTO mintax_brackets (company_size, year_from, year_to, lower_bound, upper_bound, rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_size, year_from, year_to, lower_bound) DO UPDATE SET
			upper_bound = excluded.upper_bound,
			rate = excluded.rate
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(row.CompanySize), row.YearFrom, row.YearTo, row.Lower, row.Upper, row.Rate.String(),
	)
	return err
}

// MinTaxBrackets implements domain.ReferenceData.
func (r *SQLRepository) MinTaxBrackets(ctx context.Context, size domain.CompanySize, year int) ([]domain.MinTaxBracket, error) {
	query := `
		SELECT company_size, year_from, year_to, lower_bound, upper_bound, rate
		FROM mintax_brackets
		WHERE company_size = ? OR company_size = ''
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(size))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.BracketRow
	for rows.Next() {
		var row domain.BracketRow
		var rowSize, rate string

		if err := rows.Scan(&rowSize, &row.YearFrom, &row.YearTo, &row.Lower, &row.Upper, &rate); err != nil {
			return nil, err
		}
		row.CompanySize = domain.CompanySize(rowSize)
		if row.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("decode bracket rate: %w", err)
		}
		candidates = append(candidates, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.SelectBrackets(candidates, size, year), nil
}

// SaveInterestRate stores a refund interest rate keyed by its start date.
func (r *SQLRepository) SaveInterestRate(ctx context.Context, rate domain.InterestRate) error {
	if rate.From.IsZero() {
		return fmt.Errorf("%w: interest rate start date is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO interest_rates (from_date, to_date, rate)
		VALUES (?, ?, ?)
		ON CONFLICT(from_date) DO UPDATE SET
			to_date = excluded.to_date,
			rate = excluded.rate
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		formatDate(rate.From), formatDate(rate.To), rate.Rate.String(),
	)
	return err
}

// InterestRates implements domain.ReferenceData.
func (r *SQLRepository) InterestRates(ctx context.Context, from, to time.Time) ([]domain.InterestRate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT from_date, to_date, rate FROM interest_rates ORDER BY from_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []domain.InterestRate
	for rows.Next() {
		var fromDate, toDate, rate string
		if err := rows.Scan(&fromDate, &toDate, &rate); err != nil {
			return nil, err
		}

		var ir domain.InterestRate
		if ir.From, err = parseDate(fromDate); err != nil {
			return nil, err
		}
		if ir.To, err = parseDate(toDate); err != nil {
			return nil, err
		}
		if ir.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("decode interest rate from %s: %w", fromDate, err)
		}
		rates = append(rates, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.SelectInterest(rates, from, to), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode date %q: %w", s, err)
	}
	return t, nil
}
