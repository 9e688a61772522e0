/*
store.go - Repository interfaces consumed by the engine

PURPOSE:
  The engine never talks to a database directly. Services receive a TxStore
  and do all reads and writes of one operation inside WithTx, so a
  materialized invoice and the advanced definition commit together or not
  at all.

KEY INTERFACES:
  TemplateStore:   templates and their details (soft deletes only)
  DefinitionStore: recurring definitions with optimistic versioning
  InvoiceStore:    materialized invoice persistence and history
  GLLookup:        account / profit center existence checks
  TxStore:         all of the above plus WithTx

CONCURRENCY:
  UpdateDefinition takes the version the caller read. A mismatch returns
  ErrConcurrentModification. SaveInvoice rejects a second invoice for the
  same (definition, period key) with ErrConcurrentModification as well, so
  two drivers racing on one definition cannot both commit.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite with goose migrations
*/
package engine

import (
	"context"
)

// =============================================================================
// TEMPLATES
// =============================================================================

// TemplateReader is the read side used by materialization.
type TemplateReader interface {
	// GetTemplate returns the template or a *NotFoundError.
	GetTemplate(ctx context.Context, id TemplateID) (DistributionTemplate, error)

	// LoadDetails returns every detail of the template, deleted ones
	// included, ordered by Sequence.
	LoadDetails(ctx context.Context, id TemplateID) ([]DistributionDetail, error)
}

type TemplateStore interface {
	TemplateReader

	// SaveTemplate inserts or updates a template row.
	SaveTemplate(ctx context.Context, t DistributionTemplate) error

	ListTemplates(ctx context.Context, org OrganizationID) ([]DistributionTemplate, error)

	// ApplyReconciliation writes inserts, updates and soft deletes. Inserted
	// details without an ID get one. Returns the active details afterwards.
	ApplyReconciliation(ctx context.Context, r ReconciliationResult) ([]DistributionDetail, error)
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// DefinitionFilter narrows ListDefinitions. Zero values match everything.
type DefinitionFilter struct {
	OrganizationID OrganizationID
	TemplateID     TemplateID
	ActiveOnly     bool
}

type DefinitionStore interface {
	CreateDefinition(ctx context.Context, d RecurringInvoiceDefinition) error

	// UpdateDefinition replaces the stored definition if its version still
	// equals expectedVersion.
	UpdateDefinition(ctx context.Context, d RecurringInvoiceDefinition, expectedVersion int) error

	GetDefinition(ctx context.Context, id DefinitionID) (RecurringInvoiceDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]RecurringInvoiceDefinition, error)
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceReader exposes invoice history, e.g. for amount computation.
type InvoiceReader interface {
	// ListInvoices returns the definition's invoices, oldest invoice date first.
	ListInvoices(ctx context.Context, definitionID DefinitionID) ([]InvoiceRecord, error)
}

type InvoiceStore interface {
	InvoiceReader

	// SaveInvoice persists the invoice with its lines. An empty ID is
	// assigned by the store; the stored ID is returned.
	SaveInvoice(ctx context.Context, inv InvoiceRecord) (InvoiceID, error)
}

// =============================================================================
// GL LOOKUP
// =============================================================================

// GLAccount and ProfitCenter are reference data owned by the general ledger.
type GLAccount struct {
	ID             AccountID
	OrganizationID OrganizationID
	Name           string
}

type ProfitCenter struct {
	ID             ProfitCenterID
	OrganizationID OrganizationID
	Name           string
}

// GLLookup resolves account and profit center references.
type GLLookup interface {
	AccountExists(ctx context.Context, org OrganizationID, id AccountID) (bool, error)
	ProfitCenterExists(ctx context.Context, org OrganizationID, id ProfitCenterID) (bool, error)
}

type LookupStore interface {
	GLLookup
	SaveAccount(ctx context.Context, a GLAccount) error
	SaveProfitCenter(ctx context.Context, p ProfitCenter) error
}

// =============================================================================
// AGGREGATES
// =============================================================================

// Store is everything one engine operation may touch.
type Store interface {
	TemplateStore
	DefinitionStore
	InvoiceStore
	LookupStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
