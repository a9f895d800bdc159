// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrInvalidInput signals a missing tenant or malformed argument.
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
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

	// Run migrations
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

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, account_id, account_type, merchant, description,
			type, amount_cents, currency, category_id, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.AccountID, tx.AccountType,
		tx.Merchant, tx.Description,
		tx.Type, tx.AmountCents, tx.Currency, tx.CategoryID,
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

const transactionColumns = `id, tenant_id, account_id, account_type, merchant, description,
	   type, amount_cents, currency, category_id, timestamp, created_at, metadata`

func scanTransaction(scan func(dest ...any) error) (*domain.Transaction, error) {
	var tx domain.Transaction
	var description, metadata sql.NullString

	err := scan(
		&tx.ID, &tx.TenantID, &tx.AccountID, &tx.AccountType,
		&tx.Merchant, &description,
		&tx.Type, &tx.AmountCents, &tx.Currency, &tx.CategoryID,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	tx.Description = description.String
	if metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &tx.Metadata)
	}

	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID)
	tx, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// ListRecentTransactions retrieves at most limit transactions, newest first.
func (r *SQLRepository) ListRecentTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SetTransactionCategory assigns a category to a transaction.
func (r *SQLRepository) SetTransactionCategory(ctx context.Context, tenantID string, txID string, categoryID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE transactions SET category_id = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), categoryID, tenantID, txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// SaveRule inserts or updates a rule. Usage counters are never written by
// an update; only the dedicated counter methods touch them.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	query := `
		INSERT INTO rules (
			id, tenant_id, name, description, priority, conditions,
			target_category_id, confidence_threshold, status,
			created_at, updated_at, times_applied, success_count, total_feedback_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			conditions = excluded.conditions,
			target_category_id = excluded.target_category_id,
			confidence_threshold = excluded.confidence_threshold,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Priority, string(conditions),
		rule.Action.TargetCategoryID, rule.Action.ConfidenceThreshold, string(rule.Status),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, priority, conditions,
	   target_category_id, confidence_threshold, status,
	   created_at, updated_at, times_applied, success_count, total_feedback_count, last_applied_at`

func scanRule(scan func(dest ...any) error) (*domain.Rule, error) {
	var rule domain.Rule
	var description sql.NullString
	var conditions, status string
	var lastApplied sql.NullTime

	err := scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Priority, &conditions,
		&rule.Action.TargetCategoryID, &rule.Action.ConfidenceThreshold, &status,
		&rule.CreatedAt, &rule.UpdatedAt,
		&rule.TimesApplied, &rule.SuccessCount, &rule.TotalFeedbackCount, &lastApplied,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Status = domain.RuleStatus(status)
	if lastApplied.Valid {
		t := lastApplied.Time
		rule.LastAppliedAt = &t
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions: %w", err)
	}

	return &rule, nil
}

// GetRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rule, nil
}

// ListRules retrieves a filtered, paged rule listing in evaluation order.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string, filter domain.RuleFilter) (*domain.PagedRules, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}

	where := `WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Query != "" {
		where += ` AND LOWER(name) LIKE ?`
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM rules ` + where
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, err
	}

	listQuery := `SELECT ` + ruleColumns + ` FROM rules ` + where +
		` ORDER BY priority, created_at, id LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.db.QueryContext(ctx, r.rebind(listQuery), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rulesOut := make([]*domain.Rule, 0, perPage)
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rulesOut = append(rulesOut, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.PagedRules{
		Rules:   rulesOut,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

// ListActiveRules retrieves the active rule set in evaluation order.
func (r *SQLRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + `
		FROM rules
		WHERE tenant_id = ? AND status = 'active'
		ORDER BY priority, created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rulesOut []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rulesOut = append(rulesOut, rule)
	}

	return rulesOut, rows.Err()
}

// DeleteRule hard-deletes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM rules WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// RecordApplication persists a rule application in a single database
// transaction: the application row, the transaction's category, and the
// rule's usage counters. The unique index on (tenant, idempotency key,
// transaction) turns client retries into a no-op: when the insert hits
// the conflict, nothing else is written and false is returned.
func (r *SQLRepository) RecordApplication(ctx context.Context, tenantID string, app *domain.Application) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if app.IdempotencyKey == "" {
		return false, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer dbTx.Rollback()

	if app.ID == "" {
		app.ID = uuid.New().String()
	}

	insert := `
		INSERT INTO rule_applications (
			id, tenant_id, rule_id, transaction_id, category_id,
			merchant, match_score, idempotency_key, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, idempotency_key, transaction_id) DO NOTHING
	`

	result, err := dbTx.ExecContext(ctx, r.rebind(insert),
		app.ID, tenantID, app.RuleID, app.TransactionID, app.CategoryID,
		app.Merchant, app.MatchScore, app.IdempotencyKey, app.AppliedAt,
	)
	if err != nil {
		return false, err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		// Already recorded under this key; counters stay untouched.
		return false, dbTx.Commit()
	}

	setCategory := `UPDATE transactions SET category_id = ? WHERE tenant_id = ? AND id = ?`
	if _, err := dbTx.ExecContext(ctx, r.rebind(setCategory), app.CategoryID, tenantID, app.TransactionID); err != nil {
		return false, err
	}

	bumpRule := `
		UPDATE rules
		SET times_applied = times_applied + 1, last_applied_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(bumpRule), app.AppliedAt, tenantID, app.RuleID); err != nil {
		return false, err
	}

	return true, dbTx.Commit()
}

// IncrementFeedback atomically bumps the stored feedback counter pair.
func (r *SQLRepository) IncrementFeedback(ctx context.Context, tenantID string, ruleID string, success bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	successInc := 0
	if success {
		successInc = 1
	}

	query := `
		UPDATE rules
		SET total_feedback_count = total_feedback_count + 1,
		    success_count = success_count + ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), successInc, tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// GetApplicationStats aggregates the rule_applications table for one rule.
func (r *SQLRepository) GetApplicationStats(ctx context.Context, tenantID string, ruleID string) (*domain.ApplicationStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	stats := &domain.ApplicationStats{}

	countQuery := `
		SELECT COUNT(DISTINCT transaction_id)
		FROM rule_applications
		WHERE tenant_id = ? AND rule_id = ?
	`
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), tenantID, ruleID).Scan(&stats.TotalTransactionsAffected); err != nil {
		return nil, err
	}

	monthlyQuery := `
		SELECT ` + r.monthExpr("applied_at") + ` AS month, COUNT(*)
		FROM rule_applications
		WHERE tenant_id = ? AND rule_id = ?
		GROUP BY month
		ORDER BY month
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(monthlyQuery), tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mc domain.MonthlyCount
		if err := rows.Scan(&mc.Month, &mc.Count); err != nil {
			return nil, err
		}
		stats.MonthlyHistogram = append(stats.MonthlyHistogram, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.TopCategories, err = r.topLabels(ctx, tenantID, ruleID, "category_id")
	if err != nil {
		return nil, err
	}
	stats.TopMerchants, err = r.topLabels(ctx, tenantID, ruleID, "merchant")
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (r *SQLRepository) topLabels(ctx context.Context, tenantID, ruleID, column string) ([]domain.LabelCount, error) {
	query := `
		SELECT ` + column + `, COUNT(*) AS cnt
		FROM rule_applications
		WHERE tenant_id = ? AND rule_id = ?
		GROUP BY ` + column + `
		ORDER BY cnt DESC, ` + column + `
		LIMIT 5
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LabelCount
	for rows.Next() {
		var lc domain.LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}

	return out, rows.Err()
}

// ListTemplates retrieves all templates, most popular first.
func (r *SQLRepository) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	query := `
		SELECT id, name, category, conditions, target_category_id, confidence_threshold,
		       default_priority, popularity_score, is_official, created_at
		FROM templates
		ORDER BY popularity_score DESC, name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*domain.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}

	return templates, rows.Err()
}

func scanTemplate(scan func(dest ...any) error) (*domain.Template, error) {
	var tpl domain.Template
	var conditions string
	var official int

	err := scan(
		&tpl.ID, &tpl.Name, &tpl.Category, &conditions,
		&tpl.Action.TargetCategoryID, &tpl.Action.ConfidenceThreshold,
		&tpl.DefaultPriority, &tpl.PopularityScore, &official, &tpl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tpl.IsOfficial = official == 1
	if err := json.Unmarshal([]byte(conditions), &tpl.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse template conditions: %w", err)
	}

	return &tpl, nil
}

// GetTemplate retrieves a template by ID.
func (r *SQLRepository) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	query := `
		SELECT id, name, category, conditions, target_category_id, confidence_threshold,
		       default_priority, popularity_score, is_official, created_at
		FROM templates
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), templateID)
	tpl, err := scanTemplate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return tpl, nil
}

// SaveTemplate inserts or updates a template (seed data / admin path).
func (r *SQLRepository) SaveTemplate(ctx context.Context, tpl *domain.Template) error {
	conditions, err := json.Marshal(tpl.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode template conditions: %w", err)
	}

	official := 0
	if tpl.IsOfficial {
		official = 1
	}

	query := `
		INSERT INTO templates (
			id, name, category, conditions, target_category_id, confidence_threshold,
			default_priority, popularity_score, is_official, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			conditions = excluded.conditions,
			target_category_id = excluded.target_category_id,
			confidence_threshold = excluded.confidence_threshold,
			default_priority = excluded.default_priority,
			is_official = excluded.is_official
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tpl.ID, tpl.Name, tpl.Category, string(conditions),
		tpl.Action.TargetCategoryID, tpl.Action.ConfidenceThreshold,
		tpl.DefaultPriority, tpl.PopularityScore, official, tpl.CreatedAt,
	)
	return err
}

// IncrementTemplatePopularity bumps a template's popularity score.
func (r *SQLRepository) IncrementTemplatePopularity(ctx context.Context, templateID string) error {
	query := `UPDATE templates SET popularity_score = popularity_score + 1 WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), templateID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// monthExpr returns the driver-specific expression for a YYYY-MM bucket.
func (r *SQLRepository) monthExpr(column string) string {
	if r.driver == "postgres" {
		return "to_char(" + column + ", 'YYYY-MM')"
	}
	return "strftime('%Y-%m', " + column + ")"
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
