package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    account_type TEXT NOT NULL,
    merchant TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    amount_cents BIGINT NOT NULL,
    currency TEXT NOT NULL,
    category_id TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(tenant_id, category_id);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL DEFAULT 100,
    conditions TEXT NOT NULL,
    target_category_id TEXT NOT NULL,
    confidence_threshold REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    times_applied BIGINT NOT NULL DEFAULT 0,
    success_count BIGINT NOT NULL DEFAULT 0,
    total_feedback_count BIGINT NOT NULL DEFAULT 0,
    last_applied_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_rules_order ON rules(tenant_id, priority, created_at, id);
`

// rule_applications records every non-dry-run application. The unique key
// on (tenant, idempotency key, transaction) is what makes client retries
// of bulk apply safe with respect to usage counters.
const schemaRuleApplications = `
CREATE TABLE IF NOT EXISTS rule_applications (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    category_id TEXT NOT NULL,
    merchant TEXT NOT NULL,
    match_score REAL NOT NULL,
    idempotency_key TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_idem
    ON rule_applications(tenant_id, idempotency_key, transaction_id);
CREATE INDEX IF NOT EXISTS idx_applications_rule ON rule_applications(tenant_id, rule_id);
CREATE INDEX IF NOT EXISTS idx_applications_applied_at ON rule_applications(tenant_id, rule_id, applied_at);
`

const schemaTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    conditions TEXT NOT NULL,
    target_category_id TEXT NOT NULL DEFAULT '',
    confidence_threshold REAL NOT NULL DEFAULT 0,
    default_priority INTEGER NOT NULL DEFAULT 100,
    popularity_score BIGINT NOT NULL DEFAULT 0,
    is_official INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_templates_popularity ON templates(popularity_score);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRules,
		schemaRuleApplications,
		schemaTemplates,
	}
}
