/*
Package sqlite provides a SQLite-backed implementation of the engine's
storage interfaces.

PURPOSE:
  Implements engine.TxStore (templates, definitions, invoices, GL lookup)
  plus the driver's run history using SQLite. The same SQL runs on
  PostgreSQL with minor dialect changes.

KEY TABLES:
  distribution_templates / distribution_details: soft-deleted, never removed
  recurring_definitions:   definition plus its scheduling state and version
  invoices / invoice_lines: materialized invoices
  gl_accounts / profit_centers: reference data for GL lookups
  materialization_runs:    driver run history

INDEXES:
  - idx_invoices_definition_period: UNIQUE, at most one invoice per period
  - idx_details_template: detail loading in submission order
  - idx_definitions_active: driver pass over active definitions

CONCURRENCY:
  The pool holds a single connection, so database/sql serializes
  statements. mu serializes transactions. Every read inside WithTx goes
  through the *sql.Tx, never the pool, so a transaction cannot wait on
  itself.

MIGRATIONS:
  Versioned goose migrations are embedded from migrations/*.sql and
  applied on New(). `apengine migrate` runs them explicitly.

MONEY:
  Decimals are stored as TEXT via decimal.Decimal's Scanner/Valuer, so
  percentages and amounts round-trip exactly.

USAGE:
  store, err := sqlite.New("./payables.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect, base FS and logger in package globals.
var gooseMu sync.Mutex

// Store implements engine.TxStore using SQLite.
type Store struct {
	conn
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

var _ engine.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path and applies
// pending migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		conn: conn{q: db},
		db:   db,
		log:  logger.WithComponent("sqlite"),
	}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// SchemaVersion returns the current migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, s.db)
}

// Reset removes all data. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		c := tx.(*conn)
		for _, table := range []string{
			"invoice_lines", "invoices", "recurring_definitions",
			"distribution_details", "distribution_templates",
			"gl_accounts", "profit_centers", "materialization_runs",
		} {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// gooseLogger routes migration output through zerolog.
type gooseLogger struct {
	log zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatal().Msgf(strings.TrimSpace(format), v...)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// ApplyReconciliation writes a multi-row reconciliation atomically.
func (s *Store) ApplyReconciliation(ctx context.Context, r engine.ReconciliationResult) (out []engine.DistributionDetail, err error) {
	err = s.WithTx(ctx, func(tx engine.Store) error {
		out, err = tx.ApplyReconciliation(ctx, r)
		return err
	})
	return out, err
}

// SaveInvoice writes the invoice and its lines atomically.
func (s *Store) SaveInvoice(ctx context.Context, inv engine.InvoiceRecord) (id engine.InvoiceID, err error) {
	err = s.WithTx(ctx, func(tx engine.Store) error {
		id, err = tx.SaveInvoice(ctx, inv)
		return err
	})
	return id, err
}

// =============================================================================
// CONN - Shared by the pool and by transactions
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements engine.Store against either *sql.DB or *sql.Tx.
type conn struct {
	q queryer
}

// =============================================================================
// TEMPLATE STORE
// =============================================================================

func (c *conn) SaveTemplate(ctx context.Context, t engine.DistributionTemplate) error {
	query := `
		INSERT INTO distribution_templates
			(id, organization_id, name, active, deleted, finalized_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			active = excluded.active,
			deleted = excluded.deleted,
			finalized_at = excluded.finalized_at,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		t.ID, t.OrganizationID, t.Name, t.Active, t.Deleted,
		timeArg(t.FinalizedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

const templateColumns = `id, organization_id, name, active, deleted, finalized_at, created_at, updated_at`

func (c *conn) GetTemplate(ctx context.Context, id engine.TemplateID) (engine.DistributionTemplate, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM distribution_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.DistributionTemplate{}, &engine.NotFoundError{Kind: "template", ID: string(id)}
	}
	return t, err
}

func (c *conn) ListTemplates(ctx context.Context, org engine.OrganizationID) ([]engine.DistributionTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM distribution_templates`
	var args []any
	if org != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, org)
	}
	query += ` ORDER BY name, id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []engine.DistributionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (c *conn) LoadDetails(ctx context.Context, id engine.TemplateID) ([]engine.DistributionDetail, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, template_id, account_id, profit_center_id, percentage, sequence, deleted
		FROM distribution_details
		WHERE template_id = ?
		ORDER BY sequence, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var details []engine.DistributionDetail
	for rows.Next() {
		var d engine.DistributionDetail
		if err := rows.Scan(&d.ID, &d.TemplateID, &d.AccountID, &d.ProfitCenterID,
			&d.Percentage, &d.Sequence, &d.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan detail: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (c *conn) ApplyReconciliation(ctx context.Context, r engine.ReconciliationResult) ([]engine.DistributionDetail, error) {
	for _, d := range r.Updates {
		res, err := c.q.ExecContext(ctx, `
			UPDATE distribution_details
			SET account_id = ?, profit_center_id = ?, percentage = ?, sequence = ?, deleted = 0
			WHERE id = ? AND template_id = ?
		`, d.AccountID, d.ProfitCenterID, d.Percentage, d.Sequence, d.ID, r.TemplateID)
		if err := requireRow(res, err, "detail", string(d.ID)); err != nil {
			return nil, err
		}
	}

	for _, d := range r.Deletes {
		res, err := c.q.ExecContext(ctx,
			`UPDATE distribution_details SET deleted = 1 WHERE id = ? AND template_id = ?`,
			d.ID, r.TemplateID)
		if err := requireRow(res, err, "detail", string(d.ID)); err != nil {
			return nil, err
		}
	}

	for _, d := range r.Inserts {
		if d.ID == "" {
			d.ID = engine.DetailID(uuid.NewString())
		}
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO distribution_details
				(id, template_id, account_id, profit_center_id, percentage, sequence, deleted)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, d.ID, r.TemplateID, d.AccountID, d.ProfitCenterID, d.Percentage, d.Sequence)
		if err != nil {
			return nil, fmt.Errorf("failed to insert detail: %w", err)
		}
	}

	details, err := c.LoadDetails(ctx, r.TemplateID)
	if err != nil {
		return nil, err
	}
	return engine.ActiveDetails(details), nil
}

// =============================================================================
// DEFINITION STORE
// =============================================================================

const definitionColumns = `
	id, organization_id, vendor_id, pay_to_vendor_id, description,
	invoice_amount, fixed_amount, due_days, automated, separate_check,
	distribution_template_id, account_id, profit_center_id,
	cadence, month_creation_type, invoice_day, expense_day, lead_days, active,
	last_transfer_date, last_created_in_period, next_creation_date, next_invoice_date, next_expense_date,
	version, created_at, updated_at`

func definitionArgs(d engine.RecurringInvoiceDefinition) []any {
	var templateID sql.NullString
	if d.DistributionTemplateID != nil {
		templateID = nullString(string(*d.DistributionTemplateID))
	}
	return []any{
		d.ID, d.OrganizationID, d.VendorID, d.PayToVendorID, d.Description,
		d.InvoiceAmount, d.FixedAmount, d.DueDays, d.Automated, d.SeparateCheck,
		templateID, d.AccountID, d.ProfitCenterID,
		d.Cadence, d.MonthCreationType, d.InvoiceDay, d.ExpenseDay, d.LeadDays, d.Active,
		dateArg(d.LastTransferDate), d.LastCreatedInPeriod,
		dateArg(d.NextCreationDate), dateArg(d.NextInvoiceDate), dateArg(d.NextExpenseDate),
		d.Version, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	}
}

func (c *conn) CreateDefinition(ctx context.Context, d engine.RecurringInvoiceDefinition) error {
	query := `INSERT INTO recurring_definitions (` + definitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := c.q.ExecContext(ctx, query, definitionArgs(d)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ValidationError{Field: "id", Reason: fmt.Sprintf("definition %s already exists", d.ID)}
		}
		return fmt.Errorf("failed to create definition: %w", err)
	}
	return nil
}

func (c *conn) UpdateDefinition(ctx context.Context, d engine.RecurringInvoiceDefinition, expectedVersion int) error {
	query := `
		UPDATE recurring_definitions SET
			organization_id = ?, vendor_id = ?, pay_to_vendor_id = ?, description = ?,
			invoice_amount = ?, fixed_amount = ?, due_days = ?, automated = ?, separate_check = ?,
			distribution_template_id = ?, account_id = ?, profit_center_id = ?,
			cadence = ?, month_creation_type = ?, invoice_day = ?, expense_day = ?, lead_days = ?, active = ?,
			last_transfer_date = ?, last_created_in_period = ?,
			next_creation_date = ?, next_invoice_date = ?, next_expense_date = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	all := definitionArgs(d)
	// Drop id (first) and created_at (second to last) from the column list.
	args := append([]any{}, all[1:len(all)-2]...)
	args = append(args, all[len(all)-1], d.ID, expectedVersion)

	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var stored int
	err = c.q.QueryRowContext(ctx, `SELECT version FROM recurring_definitions WHERE id = ?`, d.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return &engine.NotFoundError{Kind: "definition", ID: string(d.ID)}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("definition %s: stored version %d, expected %d: %w",
		d.ID, stored, expectedVersion, engine.ErrConcurrentModification)
}

func (c *conn) GetDefinition(ctx context.Context, id engine.DefinitionID) (engine.RecurringInvoiceDefinition, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM recurring_definitions WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RecurringInvoiceDefinition{}, &engine.NotFoundError{Kind: "definition", ID: string(id)}
	}
	return d, err
}

func (c *conn) ListDefinitions(ctx context.Context, filter engine.DefinitionFilter) ([]engine.RecurringInvoiceDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM recurring_definitions WHERE 1 = 1`
	var args []any
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.TemplateID != "" {
		query += ` AND distribution_template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var defs []engine.RecurringInvoiceDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (c *conn) SaveInvoice(ctx context.Context, inv engine.InvoiceRecord) (engine.InvoiceID, error) {
	if inv.ID == "" {
		inv.ID = engine.InvoiceID(uuid.NewString())
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO invoices
			(id, definition_id, organization_id, vendor_id, pay_to_vendor_id, description, period_key,
			 invoice_amount, invoice_date, expense_date, due_date, separate_check, automated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.DefinitionID, inv.OrganizationID, inv.VendorID, inv.PayToVendorID, inv.Description,
		inv.PeriodKey, inv.InvoiceAmount, inv.InvoiceDate.String(), inv.ExpenseDate.String(), inv.DueDate.String(),
		inv.SeparateCheck, inv.Automated, formatTime(inv.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return "", fmt.Errorf("invoice for definition %s period %s already exists: %w",
				inv.DefinitionID, inv.PeriodKey, engine.ErrConcurrentModification)
		}
		return "", fmt.Errorf("failed to insert invoice: %w", err)
	}

	for i, l := range inv.Lines {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_no, account_id, profit_center_id, amount)
			VALUES (?, ?, ?, ?, ?)
		`, inv.ID, i+1, l.AccountID, l.ProfitCenterID, l.Amount)
		if err != nil {
			return "", fmt.Errorf("failed to insert invoice line: %w", err)
		}
	}
	return inv.ID, nil
}

func (c *conn) ListInvoices(ctx context.Context, definitionID engine.DefinitionID) ([]engine.InvoiceRecord, error) {
	invoices, err := c.queryInvoices(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return invoices, nil
	}

	lines, err := c.queryInvoiceLines(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Lines = lines[invoices[i].ID]
	}
	return invoices, nil
}

func (c *conn) queryInvoices(ctx context.Context, definitionID engine.DefinitionID) ([]engine.InvoiceRecord, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, definition_id, organization_id, vendor_id, pay_to_vendor_id, description, period_key,
		       invoice_amount, invoice_date, expense_date, due_date, separate_check, automated, created_at
		FROM invoices
		WHERE definition_id = ?
		ORDER BY invoice_date, created_at
	`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []engine.InvoiceRecord
	for rows.Next() {
		var (
			inv                                        engine.InvoiceRecord
			invoiceDate, expenseDate, dueDate, created string
		)
		if err := rows.Scan(
			&inv.ID, &inv.DefinitionID, &inv.OrganizationID, &inv.VendorID, &inv.PayToVendorID,
			&inv.Description, &inv.PeriodKey, &inv.InvoiceAmount,
			&invoiceDate, &expenseDate, &dueDate, &inv.SeparateCheck, &inv.Automated, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.InvoiceDate = parseDate(invoiceDate)
		inv.ExpenseDate = parseDate(expenseDate)
		inv.DueDate = parseDate(dueDate)
		inv.CreatedAt = parseTime(created)
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (c *conn) queryInvoiceLines(ctx context.Context, definitionID engine.DefinitionID) (map[engine.InvoiceID][]engine.InvoiceLine, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT l.invoice_id, l.account_id, l.profit_center_id, l.amount
		FROM invoice_lines l
		JOIN invoices i ON i.id = l.invoice_id
		WHERE i.definition_id = ?
		ORDER BY l.invoice_id, l.line_no
	`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()

	lines := make(map[engine.InvoiceID][]engine.InvoiceLine)
	for rows.Next() {
		var (
			invoiceID engine.InvoiceID
			l         engine.InvoiceLine
		)
		if err := rows.Scan(&invoiceID, &l.AccountID, &l.ProfitCenterID, &l.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		lines[invoiceID] = append(lines[invoiceID], l)
	}
	return lines, rows.Err()
}

// =============================================================================
// GL LOOKUP
// =============================================================================

func (c *conn) AccountExists(ctx context.Context, org engine.OrganizationID, id engine.AccountID) (bool, error) {
	return c.exists(ctx, `SELECT COUNT(*) FROM gl_accounts WHERE organization_id = ? AND id = ?`, org, id)
}

func (c *conn) ProfitCenterExists(ctx context.Context, org engine.OrganizationID, id engine.ProfitCenterID) (bool, error) {
	return c.exists(ctx, `SELECT COUNT(*) FROM profit_centers WHERE organization_id = ? AND id = ?`, org, id)
}

func (c *conn) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *conn) SaveAccount(ctx context.Context, a engine.GLAccount) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO gl_accounts (organization_id, id, name) VALUES (?, ?, ?)
		ON CONFLICT(organization_id, id) DO UPDATE SET name = excluded.name
	`, a.OrganizationID, a.ID, a.Name)
	return err
}

func (c *conn) SaveProfitCenter(ctx context.Context, p engine.ProfitCenter) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO profit_centers (organization_id, id, name) VALUES (?, ?, ?)
		ON CONFLICT(organization_id, id) DO UPDATE SET name = excluded.name
	`, p.OrganizationID, p.ID, p.Name)
	return err
}

// =============================================================================
// MATERIALIZATION RUNS
// =============================================================================

// MaterializationRun is one driver pass.
type MaterializationRun struct {
	ID           string
	RunDate      engine.Date
	Trigger      string // scheduled, manual
	Status       string // running, completed, failed
	Materialized int
	NotDue       int
	Skipped      int
	Failed       int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// SaveRun inserts or updates a run record.
func (s *Store) SaveRun(ctx context.Context, r MaterializationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialization_runs
			(id, run_date, trigger_kind, status, materialized, not_due, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			materialized = excluded.materialized,
			not_due = excluded.not_due,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.RunDate.String(), r.Trigger, r.Status,
		r.Materialized, r.NotDue, r.Skipped, r.Failed, r.Error,
		formatTime(r.StartedAt), timeArg(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]MaterializationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_date, trigger_kind, status, materialized, not_due, skipped, failed, error, started_at, completed_at
		FROM materialization_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []MaterializationRun
	for rows.Next() {
		var (
			r                  MaterializationRun
			runDate, startedAt string
			completedAt        sql.NullString
		)
		if err := rows.Scan(&r.ID, &runDate, &r.Trigger, &r.Status,
			&r.Materialized, &r.NotDue, &r.Skipped, &r.Failed, &r.Error,
			&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.RunDate = parseDate(runDate)
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (engine.DistributionTemplate, error) {
	var (
		t                  engine.DistributionTemplate
		finalizedAt        sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Active, &t.Deleted,
		&finalizedAt, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan template: %w", err)
	}
	if finalizedAt.Valid {
		ft := parseTime(finalizedAt.String)
		t.FinalizedAt = &ft
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func scanDefinition(row scanner) (engine.RecurringInvoiceDefinition, error) {
	var (
		d                                       engine.RecurringInvoiceDefinition
		templateID                              sql.NullString
		lastTransfer, nextCreation, nextInvoice sql.NullString
		nextExpense                             sql.NullString
		createdAt, updatedAt                    string
	)
	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.VendorID, &d.PayToVendorID, &d.Description,
		&d.InvoiceAmount, &d.FixedAmount, &d.DueDays, &d.Automated, &d.SeparateCheck,
		&templateID, &d.AccountID, &d.ProfitCenterID,
		&d.Cadence, &d.MonthCreationType, &d.InvoiceDay, &d.ExpenseDay, &d.LeadDays, &d.Active,
		&lastTransfer, &d.LastCreatedInPeriod, &nextCreation, &nextInvoice, &nextExpense,
		&d.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan definition: %w", err)
	}

	if templateID.Valid {
		id := engine.TemplateID(templateID.String)
		d.DistributionTemplateID = &id
	}
	d.LastTransferDate = parseDatePtr(lastTransfer)
	d.NextCreationDate = parseDatePtr(nextCreation)
	d.NextInvoiceDate = parseDatePtr(nextInvoice)
	d.NextExpenseDate = parseDatePtr(nextExpense)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func timeArg(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func dateArg(d *engine.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return nullString(d.String())
}

func parseDate(s string) engine.Date {
	d, _ := engine.ParseDate(s)
	return d
}

func parseDatePtr(s sql.NullString) *engine.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := engine.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func requireRow(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
