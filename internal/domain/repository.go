// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for the rule store and transaction
// source. All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	// ListRecentTransactions returns at most limit transactions, newest
	// first. This is the bounded scan the test harness relies on.
	ListRecentTransactions(ctx context.Context, tenantID string, limit int) ([]*Transaction, error)
	SetTransactionCategory(ctx context.Context, tenantID string, txID string, categoryID string) error

	// Rule operations
	SaveRule(ctx context.Context, tenantID string, rule *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, tenantID string, filter RuleFilter) (*PagedRules, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]*Rule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// RecordApplication persists one rule application inside a single
	// database transaction: the application row (keyed on idempotency key
	// and transaction), the transaction's category, and the rule's
	// times_applied/last_applied_at bump. Returns false without touching
	// counters when the same key+transaction was already recorded.
	RecordApplication(ctx context.Context, tenantID string, app *Application) (bool, error)

	// IncrementFeedback atomically bumps the stored counter pair.
	IncrementFeedback(ctx context.Context, tenantID string, ruleID string, success bool) error

	// GetApplicationStats aggregates the rule_applications table.
	GetApplicationStats(ctx context.Context, tenantID string, ruleID string) (*ApplicationStats, error)

	// Template operations (read + popularity only; seeded out-of-band)
	ListTemplates(ctx context.Context) ([]*Template, error)
	GetTemplate(ctx context.Context, templateID string) (*Template, error)
	SaveTemplate(ctx context.Context, template *Template) error
	IncrementTemplatePopularity(ctx context.Context, templateID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `env:"KESTREL_DB_DRIVER" env-default:"sqlite"`

	// SQLite specific
	SQLitePath string `env:"KESTREL_SQLITE_PATH" env-default:"./kestrel.db"`

	// PostgreSQL specific
	PostgresHost     string `env:"KESTREL_PG_HOST" env-default:"localhost"`
	PostgresPort     int    `env:"KESTREL_PG_PORT" env-default:"5432"`
	PostgresUser     string `env:"KESTREL_PG_USER"`
	PostgresPassword string `env:"KESTREL_PG_PASSWORD"`
	PostgresDB       string `env:"KESTREL_PG_DB" env-default:"kestrel"`
	PostgresSSLMode  string `env:"KESTREL_PG_SSLMODE" env-default:"disable"`

	// Connection pool settings
	MaxOpenConns    int           `env:"KESTREL_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"KESTREL_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"KESTREL_DB_CONN_MAX_LIFETIME"`
}
