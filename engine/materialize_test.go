package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type split struct {
	account string
	center  string
	pct     string
}

func seedGL(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []engine.AccountID{"6000", "6100", "6200"} {
		require.NoError(t, st.SaveAccount(ctx, engine.GLAccount{ID: a, OrganizationID: "org1", Name: "Expense " + string(a)}))
	}
	for _, p := range []engine.ProfitCenterID{"PC1", "PC2"} {
		require.NoError(t, st.SaveProfitCenter(ctx, engine.ProfitCenter{ID: p, OrganizationID: "org1", Name: "Center " + string(p)}))
	}
}

// seedTemplate stores an active template directly, bypassing the service.
func seedTemplate(t *testing.T, st *store.Memory, id engine.TemplateID, splits ...split) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.SaveTemplate(ctx, engine.DistributionTemplate{
		ID:             id,
		OrganizationID: "org1",
		Name:           string(id),
		Active:         true,
	}))

	submitted := make([]engine.DistributionDetail, len(splits))
	for i, s := range splits {
		submitted[i] = line("", s.account, s.center, s.pct)
	}
	result, err := newAllocator().Reconcile(id, submitted, nil)
	require.NoError(t, err)
	_, err = st.ApplyReconciliation(ctx, result)
	require.NoError(t, err)
}

func templateRef(id engine.TemplateID) *engine.TemplateID { return &id }

func newMaterializer(amounts engine.AmountComputer) *engine.RecurringInvoiceMaterializer {
	return engine.NewRecurringInvoiceMaterializer(newAllocator(), engine.NewRecurringInvoiceScheduler(), amounts)
}

type staticAmount struct {
	amount decimal.Decimal
	period engine.PeriodKey
}

func (s *staticAmount) ComputeAmount(_ context.Context, _ engine.InvoiceReader, _ engine.RecurringInvoiceDefinition, period engine.Period) (decimal.Decimal, error) {
	s.period = period.Key()
	return s.amount, nil
}

// =============================================================================
// MATERIALIZATION
// =============================================================================

func TestMaterialize_DueDefinitionWithTemplate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)
	seedTemplate(t, st, "tpl", split{"6000", "PC1", "60"}, split{"6100", "PC2", "40"})

	// GIVEN: a monthly day-31 definition never materialized, today in April
	def := monthlyDefinition(31)
	def.DistributionTemplateID = templateRef("tpl")
	today := date(2024, time.April, 15)

	// WHEN
	result, err := newMaterializer(nil).Materialize(ctx, st, def, today)
	require.NoError(t, err)

	// THEN: the April invoice is assembled
	require.Equal(t, engine.StatusMaterialized, result.Status)
	require.NotNil(t, result.Invoice)
	inv := result.Invoice
	assert.Equal(t, engine.PeriodKey("2024-04"), inv.PeriodKey)
	assert.Equal(t, date(2024, time.April, 30), inv.InvoiceDate)
	assert.Equal(t, date(2024, time.April, 30), inv.ExpenseDate)
	assert.Equal(t, date(2024, time.May, 30), inv.DueDate)
	assert.Equal(t, engine.VendorID("landlord"), inv.PayToVendorID)
	assert.Equal(t, "1000.00", inv.InvoiceAmount.StringFixed(2))

	require.Len(t, inv.Lines, 2)
	assert.Equal(t, engine.AccountID("6000"), inv.Lines[0].AccountID)
	assert.Equal(t, "600.00", inv.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, engine.AccountID("6100"), inv.Lines[1].AccountID)
	assert.Equal(t, "400.00", inv.Lines[1].Amount.StringFixed(2))

	// AND: the definition is advanced to May 31
	next := result.Definition
	assert.Equal(t, engine.StateCreated, result.State)
	assert.Equal(t, engine.PeriodKey("2024-04"), next.LastCreatedInPeriod)
	assert.Equal(t, date(2024, time.May, 31), *next.NextInvoiceDate)

	// WHEN: materialized again on the same day with the advanced definition
	again, err := newMaterializer(nil).Materialize(ctx, st, next, today)

	// THEN: not due, no invoice
	require.NoError(t, err)
	assert.Equal(t, engine.StatusNotDue, again.Status)
	assert.Nil(t, again.Invoice)
	assert.Equal(t, next, again.Definition)
}

func TestMaterialize_SingleAccountDefinition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)

	def := monthlyDefinition(1)
	def.PayToVendorID = "factor"

	result, err := newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.March, 1))
	require.NoError(t, err)
	require.Equal(t, engine.StatusMaterialized, result.Status)

	require.Len(t, result.Invoice.Lines, 1)
	assert.Equal(t, engine.AccountID("6000"), result.Invoice.Lines[0].AccountID)
	assert.Equal(t, "1000.00", result.Invoice.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, engine.VendorID("factor"), result.Invoice.PayToVendorID)
}

func TestMaterialize_UnbalancedTemplateFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)
	seedTemplate(t, st, "tpl", split{"6000", "PC1", "60"}, split{"6100", "PC2", "39"})

	def := monthlyDefinition(31)
	def.DistributionTemplateID = templateRef("tpl")

	// WHEN
	result, err := newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))

	// THEN
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrAllocationImbalance))
	assert.Nil(t, result.Invoice)

	var imbalance *engine.AllocationImbalanceError
	require.True(t, errors.As(err, &imbalance))
	assert.Equal(t, engine.TemplateID("tpl"), imbalance.TemplateID)
	assert.Equal(t, "99", imbalance.Total.String())

	// AND: the caller's definition is untouched
	assert.Empty(t, def.LastCreatedInPeriod)
	assert.Nil(t, def.LastTransferDate)
}

func TestMaterialize_MissingReferences(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)
	seedTemplate(t, st, "unknown-account", split{"9999", "PC1", "100"})
	seedTemplate(t, st, "unknown-center", split{"6000", "PC9", "100"})
	today := date(2024, time.April, 15)

	tests := []struct {
		name     string
		template engine.TemplateID
		kind     string
	}{
		{"template does not exist", "missing", "template"},
		{"account does not exist", "unknown-account", "account"},
		{"profit center does not exist", "unknown-center", "profit_center"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := monthlyDefinition(31)
			def.DistributionTemplateID = templateRef(tt.template)

			_, err := newMaterializer(nil).Materialize(ctx, st, def, today)
			require.Error(t, err)
			assert.True(t, engine.IsNotFound(err))

			var nf *engine.NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, tt.kind, nf.Kind)
		})
	}
}

func TestMaterialize_DeletedAndInactiveTemplates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)
	seedTemplate(t, st, "gone", split{"6000", "PC1", "100"})
	seedTemplate(t, st, "paused", split{"6000", "PC1", "100"})

	gone, err := st.GetTemplate(ctx, "gone")
	require.NoError(t, err)
	gone.Deleted = true
	require.NoError(t, st.SaveTemplate(ctx, gone))

	paused, err := st.GetTemplate(ctx, "paused")
	require.NoError(t, err)
	paused.Active = false
	require.NoError(t, st.SaveTemplate(ctx, paused))

	def := monthlyDefinition(31)
	def.DistributionTemplateID = templateRef("gone")
	_, err = newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))
	assert.True(t, engine.IsNotFound(err))

	def.DistributionTemplateID = templateRef("paused")
	_, err = newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

func TestMaterialize_ComputedAmount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)

	// GIVEN: a non-fixed definition and a computer returning sub-cent precision
	def := monthlyDefinition(10)
	def.FixedAmount = false
	amounts := &staticAmount{amount: dec("123.455")}

	// WHEN
	result, err := newMaterializer(amounts).Materialize(ctx, st, def, date(2024, time.July, 10))
	require.NoError(t, err)

	// THEN: the amount is rounded half-to-even and the period was passed on
	assert.Equal(t, "123.46", result.Invoice.InvoiceAmount.StringFixed(2))
	assert.Equal(t, engine.PeriodKey("2024-07"), amounts.period)

	// AND: without a computer the definition cannot materialize
	_, err = newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.July, 10))
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

func TestMaterialize_FixedAmountOffMoneyScale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedGL(t, st)
	seedTemplate(t, st, "tpl", split{"6000", "PC1", "50"}, split{"6100", "PC2", "50"})

	// GIVEN: a fixed amount with a sub-cent digit
	def := monthlyDefinition(31)
	def.DistributionTemplateID = templateRef("tpl")
	def.InvoiceAmount = dec("100.005")

	// WHEN
	result, err := newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))

	// THEN: nothing is assembled and the definition is not advanced
	var verr *engine.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "invoice_amount", verr.Field)
	assert.Nil(t, result.Invoice)

	// AND: the same amount at cent precision splits into cent lines
	def.InvoiceAmount = dec("100.00")
	result, err = newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))
	require.NoError(t, err)
	for _, l := range result.Invoice.Lines {
		assert.Equal(t, "50.00", l.Amount.StringFixed(2))
		assert.LessOrEqual(t, -l.Amount.Exponent(), int32(2))
	}
}

func TestMaterialize_NotDue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	def := monthlyDefinition(31)
	def.NextCreationDate = date(2024, time.April, 30).Ptr()

	result, err := newMaterializer(nil).Materialize(ctx, st, def, date(2024, time.April, 15))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusNotDue, result.Status)
	assert.Equal(t, engine.StateIdle, result.State)
	assert.Equal(t, def, result.Definition)
}
