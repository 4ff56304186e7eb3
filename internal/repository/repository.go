// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveRequest stores a correction request with tenant isolation. An existing
// request with the same ID is replaced.
func (r *SQLRepository) SaveRequest(ctx context.Context, tenantID string, req *domain.Request) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if req.ID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	req.TenantID = tenantID
	if req.Status == "" {
		req.Status = domain.StatusParsed
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	query := `
		INSERT INTO requests (id, tenant_id, status, tax_year, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			status = excluded.status,
			tax_year = excluded.tax_year,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		req.ID, tenantID, string(req.Status), req.Filing.TaxYear,
		string(payload), req.CreatedAt, req.UpdatedAt,
	)
	return err
}

// GetRequest retrieves a request by ID with tenant isolation.
func (r *SQLRepository) GetRequest(ctx context.Context, tenantID string, requestID string) (*domain.Request, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT status, payload, created_at, updated_at
		FROM requests
		WHERE tenant_id = ? AND id = ?
	`

	var status, payload string
	var createdAt, updatedAt time.Time

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, requestID).Scan(
		&status, &payload, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var req domain.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	req.ID = requestID
	req.TenantID = tenantID
	req.Status = domain.RequestStatus(status)
	req.CreatedAt = createdAt
	req.UpdatedAt = updatedAt

	return &req, nil
}

// TransitionRequest moves a request from one status to another in a single
// conditional update. A request in any other status yields a
// StateConflictError carrying the stored status.
func (r *SQLRepository) TransitionRequest(ctx context.Context, tenantID string, requestID string, from, to domain.RequestStatus) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE requests SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(to), time.Now().UTC(), tenantID, requestID, string(from),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT status FROM requests WHERE tenant_id = ? AND id = ?`),
		tenantID, requestID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &domain.StateConflictError{RequestID: requestID, Status: domain.RequestStatus(current), Expected: from}
}

// SaveAnalysis stores an analysis with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, a *domain.Analysis) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if a.ID == "" {
		return fmt.Errorf("%w: analysis id is required", ErrInvalidInput)
	}
	a.TenantID = tenantID

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}

	var refund, total int64
	if a.Refund != nil {
		refund, total = a.Refund.RefundAmount, a.Refund.TotalExpected
	}

	query := `
		INSERT INTO analyses (id, tenant_id, request_id, refund_amount, total_expected, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.RequestID, refund, total, string(payload), a.CreatedAt.UTC(),
	)
	return err
}

// GetAnalysis retrieves an analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT payload FROM analyses
		WHERE tenant_id = ? AND id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var a domain.Analysis
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", analysisID, err)
	}
	return &a, nil
}

// SaveTraceEvents replaces the calculation log of an analysis.
func (r *SQLRepository) SaveTraceEvents(ctx context.Context, tenantID string, analysisID string, events []domain.TraceEvent) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM trace_events WHERE tenant_id = ? AND analysis_id = ?`),
		tenantID, analysisID,
	); err != nil {
		return err
	}

	insert := r.rebind(`
		INSERT INTO trace_events (tenant_id, analysis_id, seq, request_id, stage, name, recorded_at, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for i, ev := range events {
		attrs, err := json.Marshal(ev.Attrs)
		if err != nil {
			return fmt.Errorf("encode trace event %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			tenantID, analysisID, i, ev.RequestID, string(ev.Stage), ev.Name, ev.At.UTC(), string(attrs),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListTraceEvents returns the calculation log of an analysis in record order.
func (r *SQLRepository) ListTraceEvents(ctx context.Context, tenantID string, analysisID string) ([]domain.TraceEvent, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT request_id, stage, name, recorded_at, attrs
		FROM trace_events
		WHERE tenant_id = ? AND analysis_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TraceEvent
	for rows.Next() {
		var ev domain.TraceEvent
		var stage string
		var attrs sql.NullString

		if err := rows.Scan(&ev.RequestID, &stage, &ev.Name, &ev.At, &attrs); err != nil {
			return nil, err
		}
		ev.Stage = domain.Stage(stage)
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &ev.Attrs); err != nil {
				return nil, fmt.Errorf("decode trace attrs: %w", err)
			}
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// SaveEligibilityRule stores an eligibility rule with tenant isolation.
func (r *SQLRepository) SaveEligibilityRule(ctx context.Context, tenantID string, rule *domain.EligibilityRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule.ID == "" || rule.Provision == "" {
		return fmt.Errorf("%w: rule id and provision are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO eligibility_rules (
			id, tenant_id, provision, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			provision = excluded.provision,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, string(rule.Provision), rule.Expression, rule.Reason,
		boolInt(rule.Enabled), now, now,
	)
	return err
}

// ListEligibilityRules returns every eligibility rule of a tenant, enabled
// or not, ordered by ID.
func (r *SQLRepository) ListEligibilityRules(ctx context.Context, tenantID string) ([]*domain.EligibilityRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, provision, expression, reason, enabled
		FROM eligibility_rules
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.EligibilityRule
	for rows.Next() {
		var rule domain.EligibilityRule
		var provision string
		var reason sql.NullString
		var enabled int

		if err := rows.Scan(&rule.ID, &provision, &rule.Expression, &reason, &enabled); err != nil {
			return nil, err
		}
		rule.Provision = domain.Provision(provision)
		rule.Reason = reason.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
