package engine_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payables-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(id engine.DetailID, account, center, pct string) engine.DistributionDetail {
	return engine.DistributionDetail{
		ID:             id,
		AccountID:      engine.AccountID(account),
		ProfitCenterID: engine.ProfitCenterID(center),
		Percentage:     dec(pct),
	}
}

func percentages(pcts ...string) []engine.DistributionDetail {
	out := make([]engine.DistributionDetail, len(pcts))
	for i, p := range pcts {
		out[i] = line("", "6000", "PC1", p)
		out[i].Sequence = i + 1
	}
	return out
}

func sumAmounts(lines []engine.LineAllocation) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

func newAllocator() *engine.DistributionAllocator {
	return engine.NewDistributionAllocator(engine.DefaultMoneyScale)
}

// =============================================================================
// PERCENTAGE TOTAL
// =============================================================================

func TestValidatePercentageTotal_ExactHundredPasses(t *testing.T) {
	allocator := newAllocator()

	partitions := [][]string{
		{"100"},
		{"50", "50"},
		{"33.33", "33.33", "33.34"},
		{"14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142858"},
		{"0.0000001", "99.9999999"},
		{"12.5", "12.5", "25", "50"},
	}

	for _, p := range partitions {
		assert.NoError(t, allocator.ValidatePercentageTotal(percentages(p...)), "partition %v", p)
	}
}

func TestValidatePercentageTotal_AnythingElseFails(t *testing.T) {
	allocator := newAllocator()

	partitions := [][]string{
		{"99.9999999"},
		{"100.0000001"},
		{"50", "49"},
		{"33.33", "33.33", "33.33"},
		{},
	}

	for _, p := range partitions {
		err := allocator.ValidatePercentageTotal(percentages(p...))
		require.Error(t, err, "partition %v", p)
		assert.True(t, errors.Is(err, engine.ErrAllocationImbalance))

		var imbalance *engine.AllocationImbalanceError
		require.True(t, errors.As(err, &imbalance))
		assert.True(t, imbalance.Total.Equal(engine.PercentageTotal(percentages(p...))))
	}
}

func TestValidatePercentageTotal_IgnoresDeletedDetails(t *testing.T) {
	// GIVEN: 100% active plus a deleted 25% line
	details := percentages("60", "40", "25")
	details[2].Deleted = true

	// THEN: only active lines count
	assert.NoError(t, newAllocator().ValidatePercentageTotal(details))
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate_SumsExactlyToTotal(t *testing.T) {
	allocator := newAllocator()

	partitions := [][]string{
		{"33.33", "33.33", "33.34"},
		{"14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142857", "14.2857142858"},
		{"0.5", "99.5"},
		{"10", "20", "30", "40"},
	}
	totals := []string{"0.01", "0.10", "1.00", "100.00", "333.33", "1234567.89", "999999.99"}

	for _, p := range partitions {
		for _, total := range totals {
			lines, err := allocator.Allocate(dec(total), percentages(p...))
			require.NoError(t, err)
			assert.True(t, sumAmounts(lines).Equal(dec(total)),
				"partition %v total %s allocated %s", p, total, sumAmounts(lines))
		}
	}
}

func TestAllocate_BankersRounding(t *testing.T) {
	// GIVEN: 25% of 0.10 is 0.025, a half-cent tie
	lines, err := newAllocator().Allocate(dec("0.10"), percentages("25", "75"))
	require.NoError(t, err)

	// THEN: half-to-even rounds 0.025 down to 0.02, the 75% line absorbs the rest
	assert.Equal(t, "0.02", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "0.08", lines[1].Amount.StringFixed(2))

	// AND: 35% of 0.10 is 0.035, which rounds up to the even 0.04
	lines, err = newAllocator().Allocate(dec("0.10"), percentages("35", "65"))
	require.NoError(t, err)
	assert.Equal(t, "0.04", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "0.06", lines[1].Amount.StringFixed(2))
}

func TestAllocate_ResidualGoesToHighestPercentage(t *testing.T) {
	// GIVEN: the middle line has the highest percentage
	lines, err := newAllocator().Allocate(dec("10.00"), percentages("33.33", "33.34", "33.33"))
	require.NoError(t, err)

	// THEN: the outer lines are rounded, the middle one takes the residual
	assert.Equal(t, "3.33", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "3.34", lines[1].Amount.StringFixed(2))
	assert.Equal(t, "3.33", lines[2].Amount.StringFixed(2))
}

func TestAllocate_TieGoesToLastLine(t *testing.T) {
	// GIVEN: three equal lines and a total that does not divide evenly
	lines, err := newAllocator().Allocate(dec("100.00"), percentages("25", "37.5", "37.5"))
	require.NoError(t, err)

	// THEN: 37.5% of 100 is exact, so both candidates are 37.50 and the
	// first 37.5 line was rounded normally
	assert.Equal(t, "25.00", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "37.50", lines[1].Amount.StringFixed(2))
	assert.Equal(t, "37.50", lines[2].Amount.StringFixed(2))

	// GIVEN: a one-cent total split evenly
	lines, err = newAllocator().Allocate(dec("0.01"), percentages("50", "50"))
	require.NoError(t, err)

	// THEN: the first line rounds 0.005 to 0.00, the last line absorbs the cent
	assert.Equal(t, "0.00", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "0.01", lines[1].Amount.StringFixed(2))
}

func TestAllocate_SkipsDeletedAndRequiresLines(t *testing.T) {
	allocator := newAllocator()

	details := percentages("100", "50")
	details[1].Deleted = true

	lines, err := allocator.Allocate(dec("12.34"), details)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "12.34", lines[0].Amount.StringFixed(2))

	_, err = allocator.Allocate(dec("12.34"), nil)
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

func TestAllocate_ExactPercentageArithmetic(t *testing.T) {
	// GIVEN: a percentage just above 0.5 with more digits than a division
	// at default precision keeps
	lines, err := newAllocator().Allocate(dec("1.00"),
		percentages("0.500000000000000000001", "99.499999999999999999999"))
	require.NoError(t, err)

	// THEN: 0.00500000000000000000001 is above the half cent and rounds up
	assert.Equal(t, "0.01", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "0.99", lines[1].Amount.StringFixed(2))
	assert.True(t, sumAmounts(lines).Equal(dec("1.00")))
}

func TestAllocate_RejectsTotalOffMoneyScale(t *testing.T) {
	allocator := newAllocator()

	// GIVEN: a total with a third decimal place
	_, err := allocator.Allocate(dec("100.005"), percentages("50", "50"))

	// THEN
	var verr *engine.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "amount", verr.Field)

	// AND: trailing zeros beyond the scale are not extra precision
	lines, err := allocator.Allocate(dec("100.500"), percentages("50", "50"))
	require.NoError(t, err)
	assert.Equal(t, "50.25", lines[0].Amount.String())
	assert.Equal(t, "50.25", lines[1].Amount.String())
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func storedDetails() []engine.DistributionDetail {
	a := line("d1", "6000", "PC1", "50")
	a.TemplateID, a.Sequence = "t1", 1
	b := line("d2", "6100", "PC2", "50")
	b.TemplateID, b.Sequence = "t1", 2
	c := line("d0", "6200", "PC3", "10")
	c.TemplateID, c.Sequence, c.Deleted = "t1", 3, true
	return []engine.DistributionDetail{a, b, c}
}

func TestReconcile_ClassifiesInsertsUpdatesDeletes(t *testing.T) {
	// GIVEN: two stored lines (and one long deleted)
	existing := storedDetails()

	// WHEN: d1 is edited, d2 is dropped and a new line is added
	submitted := []engine.DistributionDetail{
		line("d1", "6000", "PC1", "60"),
		line("", "6300", "PC4", "40"),
	}
	result, err := newAllocator().Reconcile("t1", submitted, existing)
	require.NoError(t, err)

	// THEN
	require.Len(t, result.Updates, 1)
	assert.Equal(t, engine.DetailID("d1"), result.Updates[0].ID)
	assert.Equal(t, "60", result.Updates[0].Percentage.String())
	assert.Equal(t, 1, result.Updates[0].Sequence)

	require.Len(t, result.Inserts, 1)
	assert.Empty(t, result.Inserts[0].ID)
	assert.Equal(t, engine.TemplateID("t1"), result.Inserts[0].TemplateID)
	assert.Equal(t, 2, result.Inserts[0].Sequence)

	require.Len(t, result.Deletes, 1)
	assert.Equal(t, engine.DetailID("d2"), result.Deletes[0].ID)
	assert.True(t, result.Deletes[0].Deleted)

	// AND: the resulting lines are balanced in submission order
	resulting := result.Resulting()
	require.Len(t, resulting, 2)
	assert.Equal(t, engine.AccountID("6000"), resulting[0].AccountID)
	assert.Equal(t, engine.AccountID("6300"), resulting[1].AccountID)
	assert.NoError(t, newAllocator().ValidatePercentageTotal(resulting))
}

func TestReconcile_IsIdempotent(t *testing.T) {
	existing := storedDetails()
	submitted := []engine.DistributionDetail{
		line("d2", "6100", "PC2", "70"),
		line("", "6300", "PC4", "30"),
	}

	first, err := newAllocator().Reconcile("t1", submitted, existing)
	require.NoError(t, err)
	second, err := newAllocator().Reconcile("t1", submitted, existing)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestReconcile_DoesNotMutateInputs(t *testing.T) {
	existing := storedDetails()
	submitted := []engine.DistributionDetail{line("d1", "6000", "PC1", "100")}

	_, err := newAllocator().Reconcile("t1", submitted, existing)
	require.NoError(t, err)

	assert.False(t, existing[1].Deleted)
	assert.Equal(t, 0, submitted[0].Sequence)
}

func TestReconcile_EmptyBatchDeletesEverything(t *testing.T) {
	result, err := newAllocator().Reconcile("t1", nil, storedDetails())
	require.NoError(t, err)

	assert.Empty(t, result.Inserts)
	assert.Empty(t, result.Updates)
	assert.Len(t, result.Deletes, 2)
}

func TestReconcile_Rejections(t *testing.T) {
	foreign := line("x9", "6000", "PC1", "10")
	foreign.TemplateID = "t2"
	existing := append(storedDetails(), foreign)

	tests := []struct {
		name      string
		submitted []engine.DistributionDetail
		field     string
	}{
		{
			name:      "detail of another template",
			submitted: []engine.DistributionDetail{line("x9", "6000", "PC1", "100")},
			field:     "template_id",
		},
		{
			name:      "unknown detail id",
			submitted: []engine.DistributionDetail{line("nope", "6000", "PC1", "100")},
			field:     "id",
		},
		{
			name: "explicit foreign template id",
			submitted: []engine.DistributionDetail{func() engine.DistributionDetail {
				d := line("", "6000", "PC1", "100")
				d.TemplateID = "t2"
				return d
			}()},
			field: "template_id",
		},
		{
			name:      "same id twice",
			submitted: []engine.DistributionDetail{line("d1", "6000", "PC1", "50"), line("d1", "6000", "PC1", "50")},
			field:     "id",
		},
		{
			name:      "deleted detail resurrected",
			submitted: []engine.DistributionDetail{line("d0", "6000", "PC1", "100")},
			field:     "id",
		},
		{
			name:      "zero percentage",
			submitted: []engine.DistributionDetail{line("", "6000", "PC1", "0")},
			field:     "percentage",
		},
		{
			name:      "over one hundred",
			submitted: []engine.DistributionDetail{line("", "6000", "PC1", "100.01")},
			field:     "percentage",
		},
		{
			name:      "missing account",
			submitted: []engine.DistributionDetail{line("", "", "PC1", "100")},
			field:     "account_id",
		},
		{
			name:      "missing profit center",
			submitted: []engine.DistributionDetail{line("", "6000", "", "100")},
			field:     "profit_center_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newAllocator().Reconcile("t1", tt.submitted, existing)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrValidation))
			assert.True(t, engine.IsClientError(err))

			var verr *engine.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
