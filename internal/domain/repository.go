// Package domain defines the core types and interfaces of Heron.
package domain

import (
	"context"
	"time"
)

// Repository persists requests, analyses and the reference tables.
// Request and analysis methods are tenant-scoped; reference data is shared
// across tenants.
type Repository interface {
	SaveRequest(ctx context.Context, tenantID string, req *Request) error
	GetRequest(ctx context.Context, tenantID string, requestID string) (*Request, error)
	// TransitionRequest moves a request from one status to another and returns
	// ErrStateConflict when the stored status is not from.
	TransitionRequest(ctx context.Context, tenantID string, requestID string, from, to RequestStatus) error

	SaveAnalysis(ctx context.Context, tenantID string, a *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	SaveTraceEvents(ctx context.Context, tenantID string, analysisID string, events []TraceEvent) error
	ListTraceEvents(ctx context.Context, tenantID string, analysisID string) ([]TraceEvent, error)

	SaveEligibilityRule(ctx context.Context, tenantID string, rule *EligibilityRule) error
	ListEligibilityRules(ctx context.Context, tenantID string) ([]*EligibilityRule, error)

	ReferenceStore

	Ping(ctx context.Context) error
	Close() error
}

// ReferenceStore writes the reference tables. Reads go through ReferenceData.
type ReferenceStore interface {
	ReferenceData

	SaveCreditRate(ctx context.Context, row RateRow) error
	SaveSurtaxRule(ctx context.Context, rule SurtaxRule) error
	SaveExclusionRule(ctx context.Context, rule ExclusionRule) error
	ListExclusionRules(ctx context.Context) ([]ExclusionRule, error)
	SaveMinTaxBracket(ctx context.Context, row BracketRow) error
	SaveInterestRate(ctx context.Context, rate InterestRate) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// PostgresURL, when set, is used as the connection string as is.
	PostgresURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
