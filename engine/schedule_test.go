package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payables-engine/engine"
)

func monthlyDefinition(invoiceDay int) engine.RecurringInvoiceDefinition {
	return engine.RecurringInvoiceDefinition{
		ID:                "rent",
		OrganizationID:    "org1",
		VendorID:          "landlord",
		InvoiceAmount:     dec("1000.00"),
		FixedAmount:       true,
		DueDays:           30,
		AccountID:         "6000",
		ProfitCenterID:    "PC1",
		Cadence:           engine.CadenceMonthly,
		MonthCreationType: engine.ExpenseSameMonth,
		InvoiceDay:        invoiceDay,
		ExpenseDay:        invoiceDay,
		Active:            true,
		Version:           1,
	}
}

func TestScheduler_State(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()
	april := date(2024, time.April, 10)

	t.Run("fresh definition is due", func(t *testing.T) {
		assert.Equal(t, engine.StateDue, s.State(monthlyDefinition(31), april))
	})

	t.Run("inactive definition is idle", func(t *testing.T) {
		def := monthlyDefinition(31)
		def.Active = false
		assert.Equal(t, engine.StateIdle, s.State(def, april))
	})

	t.Run("before next creation date is idle", func(t *testing.T) {
		def := monthlyDefinition(31)
		def.NextCreationDate = date(2024, time.April, 30).Ptr()
		assert.Equal(t, engine.StateIdle, s.State(def, april))
		assert.Equal(t, engine.StateDue, s.State(def, date(2024, time.April, 30)))
	})

	t.Run("period already created", func(t *testing.T) {
		def := monthlyDefinition(31)
		def.LastCreatedInPeriod = "2024-04"
		assert.Equal(t, engine.StateCreated, s.State(def, april))
	})
}

func TestScheduler_AdvanceInvoiceDay31(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	// GIVEN: a monthly definition on day 31, never materialized
	def := monthlyDefinition(31)
	april := date(2024, time.April, 12)

	// WHEN: it is advanced in April
	next, advanced, err := s.Advance(def, april)
	require.NoError(t, err)
	require.True(t, advanced)

	// THEN: April is recorded and May 31 is the next invoice date
	assert.Equal(t, engine.PeriodKey("2024-04"), next.LastCreatedInPeriod)
	require.NotNil(t, next.LastTransferDate)
	assert.Equal(t, april, *next.LastTransferDate)
	assert.Equal(t, date(2024, time.May, 31), *next.NextInvoiceDate)
	assert.Equal(t, date(2024, time.May, 31), *next.NextExpenseDate)
	assert.Equal(t, date(2024, time.May, 31), *next.NextCreationDate)
	assert.Equal(t, engine.StateCreated, s.State(next, april))

	// AND: the input was not mutated
	assert.Empty(t, def.LastCreatedInPeriod)
	assert.Nil(t, def.NextInvoiceDate)

	// WHEN: advanced again in May
	june, advanced, err := s.Advance(next, date(2024, time.May, 31))
	require.NoError(t, err)
	require.True(t, advanced)

	// THEN: June clamps to the 30th
	assert.Equal(t, engine.PeriodKey("2024-05"), june.LastCreatedInPeriod)
	assert.Equal(t, date(2024, time.June, 30), *june.NextInvoiceDate)
}

func TestScheduler_AdvanceTwiceIsNoOp(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()
	today := date(2024, time.April, 12)

	first, advanced, err := s.Advance(monthlyDefinition(31), today)
	require.NoError(t, err)
	require.True(t, advanced)

	second, advanced, err := s.Advance(first, today)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, first, second)
}

func TestScheduler_AdvanceWhileIdleFails(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	// GIVEN: April materialized, May invoice on the 31st
	created, _, err := s.Advance(monthlyDefinition(31), date(2024, time.April, 12))
	require.NoError(t, err)

	// WHEN: advance is called in May before the creation date
	_, advanced, err := s.Advance(created, date(2024, time.May, 3))

	// THEN
	require.Error(t, err)
	assert.False(t, advanced)
	assert.True(t, errors.Is(err, engine.ErrInvalidScheduleState))

	var stateErr *engine.InvalidScheduleStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, engine.StateIdle, stateErr.State)
	assert.Equal(t, engine.PeriodKey("2024-05"), stateErr.Period)
}

func TestScheduler_LeadDays(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	t.Run("creation is lead days before the invoice date", func(t *testing.T) {
		def := monthlyDefinition(20)
		def.LeadDays = 3

		next, _, err := s.Advance(def, date(2024, time.April, 20))
		require.NoError(t, err)
		assert.Equal(t, date(2024, time.May, 20), *next.NextInvoiceDate)
		assert.Equal(t, date(2024, time.May, 17), *next.NextCreationDate)
	})

	t.Run("creation never falls before the next period", func(t *testing.T) {
		def := monthlyDefinition(5)
		def.LeadDays = 10

		next, _, err := s.Advance(def, date(2024, time.April, 5))
		require.NoError(t, err)
		assert.Equal(t, date(2024, time.May, 5), *next.NextInvoiceDate)
		assert.Equal(t, date(2024, time.May, 1), *next.NextCreationDate)

		// April 30 is still Created; May 1 is Due
		assert.Equal(t, engine.StateCreated, s.State(next, date(2024, time.April, 30)))
		assert.Equal(t, engine.StateDue, s.State(next, date(2024, time.May, 1)))
	})
}

func TestScheduler_MonthCreationTypes(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()
	january := date(2024, time.January, 15)

	tests := []struct {
		policy  engine.MonthCreationType
		expense engine.Date
	}{
		{engine.ExpenseSameMonth, date(2024, time.February, 29)},
		{engine.ExpenseFollowingMonth, date(2024, time.March, 31)},
		{engine.ExpensePriorMonth, date(2024, time.January, 31)},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			def := monthlyDefinition(31)
			def.MonthCreationType = tt.policy

			next, _, err := s.Advance(def, january)
			require.NoError(t, err)
			assert.Equal(t, date(2024, time.February, 29), *next.NextInvoiceDate)
			assert.Equal(t, tt.expense, *next.NextExpenseDate)
		})
	}
}

func TestScheduler_Quarterly(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	def := monthlyDefinition(15)
	def.Cadence = engine.CadenceQuarterly

	// WHEN: advanced in February
	next, advanced, err := s.Advance(def, date(2024, time.February, 10))
	require.NoError(t, err)
	require.True(t, advanced)

	// THEN: Q1 is created, the next invoice is in April
	assert.Equal(t, engine.PeriodKey("2024-Q1"), next.LastCreatedInPeriod)
	assert.Equal(t, date(2024, time.April, 15), *next.NextInvoiceDate)

	// AND: March is still the same period
	assert.Equal(t, engine.StateCreated, s.State(next, date(2024, time.March, 31)))
	assert.Equal(t, engine.StateIdle, s.State(next, date(2024, time.April, 14)))
	assert.Equal(t, engine.StateDue, s.State(next, date(2024, time.April, 15)))
}

func TestScheduler_CurrentOccurrence(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	t.Run("nominal date in the current period", func(t *testing.T) {
		occ := s.CurrentOccurrence(monthlyDefinition(31), date(2024, time.April, 2))
		assert.Equal(t, date(2024, time.April, 30), occ.InvoiceDate)
		assert.Equal(t, date(2024, time.May, 30), occ.DueDate)
	})

	t.Run("edited next invoice date wins", func(t *testing.T) {
		def := monthlyDefinition(31)
		def.NextInvoiceDate = date(2024, time.April, 25).Ptr()
		def.NextExpenseDate = date(2024, time.April, 26).Ptr()

		occ := s.CurrentOccurrence(def, date(2024, time.April, 2))
		assert.Equal(t, date(2024, time.April, 25), occ.InvoiceDate)
		assert.Equal(t, date(2024, time.April, 26), occ.ExpenseDate)
		assert.Equal(t, date(2024, time.May, 25), occ.DueDate)
	})

	t.Run("stale next invoice date is ignored", func(t *testing.T) {
		def := monthlyDefinition(31)
		def.NextInvoiceDate = date(2024, time.January, 31).Ptr()

		occ := s.CurrentOccurrence(def, date(2024, time.April, 2))
		assert.Equal(t, date(2024, time.April, 30), occ.InvoiceDate)
	})
}

func TestScheduler_PrimeAndPreview(t *testing.T) {
	s := engine.NewRecurringInvoiceScheduler()

	// GIVEN: a new definition primed on April 10
	def := s.Prime(monthlyDefinition(31), date(2024, time.April, 10))

	// THEN: next dates point at April without touching period state
	assert.Equal(t, date(2024, time.April, 30), *def.NextInvoiceDate)
	assert.Equal(t, date(2024, time.April, 30), *def.NextCreationDate)
	assert.Empty(t, def.LastCreatedInPeriod)

	// AND: preview lists the next three invoice dates with clamping
	occs := s.Preview(def, date(2024, time.January, 10), 3)
	require.Len(t, occs, 3)
	assert.Equal(t, date(2024, time.January, 31), occs[0].InvoiceDate)
	assert.Equal(t, date(2024, time.February, 29), occs[1].InvoiceDate)
	assert.Equal(t, date(2024, time.March, 31), occs[2].InvoiceDate)

	// AND: a created period is skipped
	created, _, err := s.Advance(monthlyDefinition(31), date(2024, time.April, 10))
	require.NoError(t, err)
	occs = s.Preview(created, date(2024, time.April, 10), 2)
	require.Len(t, occs, 2)
	assert.Equal(t, engine.PeriodKey("2024-05"), occs[0].Period.Key())
	assert.Equal(t, date(2024, time.June, 30), occs[1].InvoiceDate)

	assert.Nil(t, s.Preview(def, date(2024, time.April, 10), 0))
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*engine.RecurringInvoiceDefinition)
		field  string
	}{
		{"missing vendor", func(d *engine.RecurringInvoiceDefinition) { d.VendorID = "" }, "vendor_id"},
		{"invoice day 32", func(d *engine.RecurringInvoiceDefinition) { d.InvoiceDay = 32 }, "invoice_day"},
		{"expense day 0", func(d *engine.RecurringInvoiceDefinition) { d.ExpenseDay = 0 }, "expense_day"},
		{"negative due days", func(d *engine.RecurringInvoiceDefinition) { d.DueDays = -1 }, "due_days"},
		{"unknown cadence", func(d *engine.RecurringInvoiceDefinition) { d.Cadence = "weekly" }, "cadence"},
		{"unknown policy", func(d *engine.RecurringInvoiceDefinition) { d.MonthCreationType = "whenever" }, "month_creation_type"},
		{"no account without template", func(d *engine.RecurringInvoiceDefinition) { d.AccountID = "" }, "account_id"},
	}

	require.NoError(t, monthlyDefinition(31).Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := monthlyDefinition(31)
			tt.mutate(&def)

			var verr *engine.ValidationError
			require.True(t, errors.As(def.Validate(), &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
