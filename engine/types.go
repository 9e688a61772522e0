/*
Package engine provides the distribution allocation and recurring invoice
scheduling core of the payables back office.

PURPOSE:
  Vendors, purchase orders and invoice CRUD live elsewhere. This package
  owns the parts with real invariants: GL distribution templates whose
  lines must split an amount exactly, and recurring invoice definitions
  that must materialize at most once per period, even under retries.

KEY CONCEPTS IN THIS FILE (types.go):
  - DistributionTemplate / DistributionDetail: a reusable percentage split
    of an amount across GL account + profit center pairs
  - RecurringInvoiceDefinition: what to invoice, when, and the mutable
    period-tracking state that prevents double materialization
  - MaterializedInvoice: the assembled invoice handed to persistence

DESIGN PRINCIPLES:
  1. Precision: percentages and money are decimal.Decimal, never float64
  2. Explicit transitions: scheduling state changes return a new record
  3. Soft deletes: templates and details are never hard-deleted
  4. Idempotence: the period key, not a lock, prevents duplicate invoices

SEE ALSO:
  - calendar.go: Date math and month-end clamping
  - allocation.go: DistributionAllocator
  - schedule.go: RecurringInvoiceScheduler
  - materialize.go: RecurringInvoiceMaterializer
  - service.go: Transactional orchestration over a TxStore
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganizationID string
type TemplateID string
type DetailID string
type DefinitionID string
type InvoiceID string
type VendorID string
type AccountID string
type ProfitCenterID string

// Hundred is the required percentage total of a balanced template.
var Hundred = decimal.NewFromInt(100)

// DefaultMoneyScale is the number of decimal places money is rounded to.
const DefaultMoneyScale int32 = 2

// =============================================================================
// DISTRIBUTION TEMPLATE
// =============================================================================

// DistributionTemplate is a named, reusable split owned by an organization.
// Details are composed into the template and have no independent lifecycle.
type DistributionTemplate struct {
	ID             TemplateID
	OrganizationID OrganizationID
	Name           string
	Active         bool
	Deleted        bool

	// FinalizedAt is stamped when the template was last verified to total
	// 100%. Any detail reconciliation clears it.
	FinalizedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DistributionDetail is one line of a template.
type DistributionDetail struct {
	ID             DetailID
	TemplateID     TemplateID
	AccountID      AccountID
	ProfitCenterID ProfitCenterID
	Percentage     decimal.Decimal // 0 < p <= 100
	Sequence       int             // submission order within the template
	Deleted        bool
}

// ActiveDetails filters out soft-deleted details, keeping order.
func ActiveDetails(details []DistributionDetail) []DistributionDetail {
	active := make([]DistributionDetail, 0, len(details))
	for _, d := range details {
		if !d.Deleted {
			active = append(active, d)
		}
	}
	return active
}

// =============================================================================
// RECURRING INVOICE DEFINITION
// =============================================================================

// MonthCreationType governs where the expense date falls relative to the
// invoice date.
type MonthCreationType string

const (
	ExpenseSameMonth      MonthCreationType = "same_month"
	ExpenseFollowingMonth MonthCreationType = "following_month"
	ExpensePriorMonth     MonthCreationType = "prior_month"
)

func (m MonthCreationType) Valid() bool {
	switch m {
	case ExpenseSameMonth, ExpenseFollowingMonth, ExpensePriorMonth:
		return true
	}
	return false
}

// monthOffset is the expense month relative to the invoice month.
func (m MonthCreationType) monthOffset() int {
	switch m {
	case ExpenseFollowingMonth:
		return 1
	case ExpensePriorMonth:
		return -1
	default:
		return 0
	}
}

// RecurringInvoiceDefinition describes an invoice that is materialized once
// per cadence period. It is deactivated, never deleted, while invoices
// reference it.
type RecurringInvoiceDefinition struct {
	ID             DefinitionID
	OrganizationID OrganizationID
	VendorID       VendorID
	PayToVendorID  VendorID
	Description    string

	InvoiceAmount decimal.Decimal
	FixedAmount   bool // false: amount comes from an AmountComputer
	DueDays       int
	Automated     bool
	SeparateCheck bool

	// DistributionTemplateID is nil for single-account definitions, which
	// then carry AccountID and ProfitCenterID directly.
	DistributionTemplateID *TemplateID
	AccountID              AccountID
	ProfitCenterID         ProfitCenterID

	Cadence           Cadence
	MonthCreationType MonthCreationType
	InvoiceDay        int
	ExpenseDay        int
	LeadDays          int // create this many days ahead of the invoice date

	Active bool

	// Scheduling state. Mutated only through RecurringInvoiceScheduler.
	LastTransferDate    *Date
	LastCreatedInPeriod PeriodKey
	NextCreationDate    *Date
	NextInvoiceDate     *Date
	NextExpenseDate     *Date

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// cadence returns the effective cadence (monthly when unset).
func (d RecurringInvoiceDefinition) cadence() Cadence {
	if d.Cadence == "" {
		return CadenceMonthly
	}
	return d.Cadence
}

// =============================================================================
// MATERIALIZED INVOICE
// =============================================================================

// InvoiceLine is one GL distribution line of a materialized invoice.
type InvoiceLine struct {
	AccountID      AccountID
	ProfitCenterID ProfitCenterID
	Amount         decimal.Decimal
}

// MaterializedInvoice is the concrete invoice for one period, ready for the
// invoice persistence collaborator.
type MaterializedInvoice struct {
	DefinitionID   DefinitionID
	OrganizationID OrganizationID
	VendorID       VendorID
	PayToVendorID  VendorID
	Description    string
	PeriodKey      PeriodKey
	InvoiceAmount  decimal.Decimal
	InvoiceDate    Date
	ExpenseDate    Date
	DueDate        Date
	SeparateCheck  bool
	Automated      bool
	Lines          []InvoiceLine
}

// InvoiceRecord is a persisted materialized invoice.
type InvoiceRecord struct {
	ID InvoiceID
	MaterializedInvoice
	CreatedAt time.Time
}
