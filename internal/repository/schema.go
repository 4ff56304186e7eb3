package repository

// Schema definitions for the Heron database.
// Compatible with both SQLite and PostgreSQL.

const schemaRequests = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    tax_year INTEGER NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(tenant_id, status);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    refund_amount INTEGER NOT NULL DEFAULT 0,
    total_expected INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_analyses_request ON analyses(tenant_id, request_id);
`

// schemaTraceEvents holds the calculation log of an analysis in record order.
const schemaTraceEvents = `
CREATE TABLE IF NOT EXISTS trace_events (
    tenant_id TEXT NOT NULL,
    analysis_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    request_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    name TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    attrs TEXT,
    PRIMARY KEY (tenant_id, analysis_id, seq)
);
`

const schemaEligibilityRules = `
CREATE TABLE IF NOT EXISTS eligibility_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    provision TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_eligibility_rules_provision ON eligibility_rules(tenant_id, provision);
`

// Reference tables are shared by every tenant. Rates are stored as decimal
// strings; dates as YYYY-MM-DD with an empty string for open ranges.

const schemaCreditRates = `
CREATE TABLE IF NOT EXISTS credit_rates (
    rate_key TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    company_size TEXT NOT NULL DEFAULT '',
    zone TEXT NOT NULL DEFAULT '',
    variant TEXT NOT NULL DEFAULT '',
    year_from INTEGER NOT NULL DEFAULT 0,
    year_to INTEGER NOT NULL DEFAULT 0,
    entry TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_rates_category ON credit_rates(category);
`

const schemaSurtaxRules = `
CREATE TABLE IF NOT EXISTS surtax_rules (
    provision TEXT NOT NULL,
    year_from INTEGER NOT NULL DEFAULT 0,
    year_to INTEGER NOT NULL DEFAULT 0,
    exempt INTEGER NOT NULL DEFAULT 0,
    rate TEXT NOT NULL,
    PRIMARY KEY (provision, year_from, year_to)
);
`

const schemaExclusionRules = `
CREATE TABLE IF NOT EXISTS exclusion_rules (
    id TEXT PRIMARY KEY,
    provision_a TEXT NOT NULL,
    provision_b TEXT NOT NULL,
    allowed INTEGER NOT NULL DEFAULT 0,
    condition_expr TEXT NOT NULL DEFAULT '',
    prefer TEXT NOT NULL DEFAULT '',
    condition_note TEXT NOT NULL DEFAULT '',
    legal_basis TEXT NOT NULL DEFAULT '',
    year_from INTEGER NOT NULL DEFAULT 0,
    year_to INTEGER NOT NULL DEFAULT 0
);
`

const schemaMinTaxBrackets = `
CREATE TABLE IF NOT EXISTS mintax_brackets (
    company_size TEXT NOT NULL DEFAULT '',
    year_from INTEGER NOT NULL DEFAULT 0,
    year_to INTEGER NOT NULL DEFAULT 0,
    lower_bound BIGINT NOT NULL,
    upper_bound BIGINT NOT NULL DEFAULT 0,
    rate TEXT NOT NULL,
    PRIMARY KEY (company_size, year_from, year_to, lower_bound)
);
`

const schemaInterestRates = `
CREATE TABLE IF NOT EXISTS interest_rates (
    from_date TEXT PRIMARY KEY,
    to_date TEXT NOT NULL DEFAULT '',
    rate TEXT NOT NULL
);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaRequests,
		schemaAnalyses,
		schemaTraceEvents,
		schemaEligibilityRules,
		schemaCreditRates,
		schemaSurtaxRules,
		schemaExclusionRules,
		schemaMinTaxBrackets,
		schemaInterestRates,
	}
}
