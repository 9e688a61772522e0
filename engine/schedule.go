/*
schedule.go - Recurring invoice scheduling state machine

STATES (per definition, relative to "today"):
  Idle     no invoice due (inactive, or today is before nextCreationDate)
  Due      today's period has not been materialized yet
  Created  today's period was already materialized

TRANSITIONS:
  Idle/Created -> Due   today >= nextCreationDate and the period key of
                        today differs from lastCreatedInPeriod
  Due -> Created        Advance(def, today)

ADVANCE:
  1. lastCreatedInPeriod = key of today's period
  2. lastTransferDate    = today
  3. next invoice/expense dates resolved in the following period with
     month-end clamping and the month-creation-type policy
  4. nextCreationDate    = nextInvoiceDate - LeadDays, never before the
     start of the following period

IDEMPOTENCE:
  Advance on a definition that is already Created for today's period
  returns it unchanged. Retried driver passes are therefore safe without
  locking. Advance on an Idle definition is an integration defect and fails
  with InvalidScheduleStateError.

All operations are pure: they take a definition value and return a new one.
*/
package engine

import (
	"fmt"
)

// =============================================================================
// STATE
// =============================================================================

type ScheduleState string

const (
	StateIdle    ScheduleState = "idle"
	StateDue     ScheduleState = "due"
	StateCreated ScheduleState = "created"
)

// Occurrence is the set of dates for one period of a definition.
type Occurrence struct {
	Period       Period
	CreationDate Date
	InvoiceDate  Date
	ExpenseDate  Date
	DueDate      Date
}

// =============================================================================
// SCHEDULER
// =============================================================================

// RecurringInvoiceScheduler computes scheduling state and transitions.
type RecurringInvoiceScheduler struct{}

func NewRecurringInvoiceScheduler() *RecurringInvoiceScheduler {
	return &RecurringInvoiceScheduler{}
}

// State returns the state of def on today.
func (s *RecurringInvoiceScheduler) State(def RecurringInvoiceDefinition, today Date) ScheduleState {
	if !def.Active {
		return StateIdle
	}
	if def.LastCreatedInPeriod == def.cadence().KeyFor(today) {
		return StateCreated
	}
	if def.NextCreationDate != nil && today.Before(*def.NextCreationDate) {
		return StateIdle
	}
	return StateDue
}

// OccurrenceFor computes the nominal dates of def in period.
func (s *RecurringInvoiceScheduler) OccurrenceFor(def RecurringInvoiceDefinition, period Period) Occurrence {
	invoice := ResolveDayOfMonth(period.Start.Year(), period.Start.Month(), def.InvoiceDay)
	return s.occurrenceAt(def, period, invoice)
}

func (s *RecurringInvoiceScheduler) occurrenceAt(def RecurringInvoiceDefinition, period Period, invoice Date) Occurrence {
	expenseMonth := AddMonthsClamped(StartOfMonth(invoice.Year(), invoice.Month()), def.MonthCreationType.monthOffset())
	expense := ResolveDayOfMonth(expenseMonth.Year(), expenseMonth.Month(), def.ExpenseDay)

	creation := invoice.AddDays(-def.LeadDays)
	if creation.Before(period.Start) {
		creation = period.Start
	}

	return Occurrence{
		Period:       period,
		CreationDate: creation,
		InvoiceDate:  invoice,
		ExpenseDate:  expense,
		DueDate:      invoice.AddDays(def.DueDays),
	}
}

// CurrentOccurrence returns the dates the invoice for today's period is
// materialized with. Stored next dates win when they fall in that period,
// so user edits to the upcoming invoice date are honored.
func (s *RecurringInvoiceScheduler) CurrentOccurrence(def RecurringInvoiceDefinition, today Date) Occurrence {
	period := def.cadence().PeriodFor(today)
	occ := s.OccurrenceFor(def, period)

	if def.NextInvoiceDate != nil && period.Contains(*def.NextInvoiceDate) {
		occ.InvoiceDate = *def.NextInvoiceDate
		occ.DueDate = occ.InvoiceDate.AddDays(def.DueDays)
		if def.NextExpenseDate != nil {
			occ.ExpenseDate = *def.NextExpenseDate
		}
	}
	return occ
}

// Advance transitions def from Due to Created for today's period. It
// returns advanced=false and the unchanged definition when the period was
// already created.
func (s *RecurringInvoiceScheduler) Advance(def RecurringInvoiceDefinition, today Date) (RecurringInvoiceDefinition, bool, error) {
	period := def.cadence().PeriodFor(today)

	switch state := s.State(def, today); state {
	case StateCreated:
		return def, false, nil
	case StateIdle:
		return def, false, &InvalidScheduleStateError{
			DefinitionID: def.ID,
			State:        state,
			Period:       period.Key(),
			Operation:    "advance",
		}
	}

	next := s.OccurrenceFor(def, period.Next())

	out := def
	out.LastCreatedInPeriod = period.Key()
	out.LastTransferDate = today.Ptr()
	out.NextInvoiceDate = next.InvoiceDate.Ptr()
	out.NextExpenseDate = next.ExpenseDate.Ptr()
	out.NextCreationDate = next.CreationDate.Ptr()
	return out, true, nil
}

// Prime fills in missing next dates for a new or edited definition without
// touching its period state. A definition already created for today's
// period is primed for the following period.
func (s *RecurringInvoiceScheduler) Prime(def RecurringInvoiceDefinition, today Date) RecurringInvoiceDefinition {
	if def.NextInvoiceDate != nil && def.NextCreationDate != nil && def.NextExpenseDate != nil {
		return def
	}

	period := def.cadence().PeriodFor(today)
	if def.LastCreatedInPeriod == period.Key() {
		period = period.Next()
	}
	occ := s.OccurrenceFor(def, period)

	out := def
	if out.NextInvoiceDate == nil {
		out.NextInvoiceDate = occ.InvoiceDate.Ptr()
	}
	if out.NextExpenseDate == nil {
		out.NextExpenseDate = occ.ExpenseDate.Ptr()
	}
	if out.NextCreationDate == nil {
		out.NextCreationDate = occ.CreationDate.Ptr()
	}
	return out
}

// Preview lists the next n occurrences of def starting at from. The period
// already created is skipped.
func (s *RecurringInvoiceScheduler) Preview(def RecurringInvoiceDefinition, from Date, n int) []Occurrence {
	if n <= 0 {
		return nil
	}

	period := def.cadence().PeriodFor(from)
	if def.LastCreatedInPeriod == period.Key() {
		period = period.Next()
	}

	out := make([]Occurrence, 0, n)
	for i := 0; i < n; i++ {
		occ := s.OccurrenceFor(def, period)
		if i == 0 && def.NextInvoiceDate != nil && period.Contains(*def.NextInvoiceDate) {
			occ = s.occurrenceAt(def, period, *def.NextInvoiceDate)
		}
		out = append(out, occ)
		period = period.Next()
	}
	return out
}

// =============================================================================
// DEFINITION VALIDATION
// =============================================================================

// Validate checks the static shape of a definition. Scheduling state is
// not validated.
func (d RecurringInvoiceDefinition) Validate() error {
	if d.OrganizationID == "" {
		return &ValidationError{Field: "organization_id", Reason: "required"}
	}
	if d.VendorID == "" {
		return &ValidationError{Field: "vendor_id", Reason: "required"}
	}
	if d.InvoiceDay < 1 || d.InvoiceDay > 31 {
		return &ValidationError{Field: "invoice_day", Reason: fmt.Sprintf("must be 1-31, got %d", d.InvoiceDay)}
	}
	if d.ExpenseDay < 1 || d.ExpenseDay > 31 {
		return &ValidationError{Field: "expense_day", Reason: fmt.Sprintf("must be 1-31, got %d", d.ExpenseDay)}
	}
	if d.DueDays < 0 {
		return &ValidationError{Field: "due_days", Reason: "must not be negative"}
	}
	if d.LeadDays < 0 {
		return &ValidationError{Field: "lead_days", Reason: "must not be negative"}
	}
	if d.Cadence != "" && !d.Cadence.Valid() {
		return &ValidationError{Field: "cadence", Reason: fmt.Sprintf("unknown cadence %q", d.Cadence)}
	}
	if !d.MonthCreationType.Valid() {
		return &ValidationError{Field: "month_creation_type", Reason: fmt.Sprintf("unknown policy %q", d.MonthCreationType)}
	}
	if d.FixedAmount && d.InvoiceAmount.IsZero() {
		return &ValidationError{Field: "invoice_amount", Reason: "required for fixed-amount definitions"}
	}
	if d.DistributionTemplateID == nil && (d.AccountID == "" || d.ProfitCenterID == "") {
		return &ValidationError{Field: "account_id", Reason: "single-account definitions need account_id and profit_center_id"}
	}
	return nil
}
