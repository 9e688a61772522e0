/*
Package invoice implements the amount computation collaborators used by the
materializer for definitions that are not fixed-amount.

AverageOfLastN bills the average of the definition's most recent invoices,
typical for utilities and usage-based services. Fixed always bills the
definition amount and exists so callers can configure a computer
unconditionally.
*/
package invoice

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payables-engine/engine"
)

// AverageOfLastN averages the amounts of the last N invoices of the
// definition that precede the period being materialized.
type AverageOfLastN struct {
	N     int
	Scale int32
}

var _ engine.AmountComputer = AverageOfLastN{}

func NewAverageOfLastN(n int, scale int32) AverageOfLastN {
	return AverageOfLastN{N: n, Scale: scale}
}

// ComputeAmount falls back to the definition amount when there is no
// history.
func (a AverageOfLastN) ComputeAmount(ctx context.Context, history engine.InvoiceReader, def engine.RecurringInvoiceDefinition, period engine.Period) (decimal.Decimal, error) {
	if a.N < 1 {
		return decimal.Zero, fmt.Errorf("average of last %d invoices: N must be positive", a.N)
	}

	invoices, err := history.ListInvoices(ctx, def.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load invoice history: %w", err)
	}

	// Oldest first; keep invoices dated before this period.
	var prior []decimal.Decimal
	for _, inv := range invoices {
		if inv.InvoiceDate.Before(period.Start) && inv.PeriodKey != period.Key() {
			prior = append(prior, inv.InvoiceAmount)
		}
	}
	if len(prior) == 0 {
		return def.InvoiceAmount.RoundBank(a.Scale), nil
	}
	if len(prior) > a.N {
		prior = prior[len(prior)-a.N:]
	}

	sum := decimal.Sum(prior[0], prior[1:]...)
	return sum.Div(decimal.NewFromInt(int64(len(prior)))).RoundBank(a.Scale), nil
}

// Fixed returns the definition amount.
type Fixed struct{}

func (Fixed) ComputeAmount(_ context.Context, _ engine.InvoiceReader, def engine.RecurringInvoiceDefinition, _ engine.Period) (decimal.Decimal, error) {
	return def.InvoiceAmount, nil
}
