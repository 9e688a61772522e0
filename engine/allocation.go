/*
allocation.go - Distribution template reconciliation and amount allocation

PURPOSE:
  A distribution template splits an invoice amount across GL account +
  profit center pairs by percentage. The allocator owns three operations:

  Reconcile:               classify a submitted batch of lines against the
                           stored lines (insert / update / soft-delete)
  ValidatePercentageTotal: active percentages must total exactly 100
  Allocate:                split an amount, resolving all rounding error
                           in a single residual line

RECONCILIATION, NOT REPLACE:
  Lines are matched by identity. A line submitted without an ID is new, a
  line with an ID updates the stored line, and a stored line missing from
  the batch is soft-deleted. Unchanged lines keep their IDs so foreign keys
  pointing at them stay valid.

WHEN THE 100% RULE IS CHECKED:
  Only when the template is about to split money (materialization, explicit
  finalize, allocation preview). A template may be unbalanced between line
  edits.

ROUNDING:
  Each line is rounded half-to-even at the money scale. The line with the
  highest percentage (the last such line in submission order on ties)
  absorbs the residual so the lines always sum to the total exactly.
*/
package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISTRIBUTION ALLOCATOR
// =============================================================================

// DistributionAllocator is stateless apart from its rounding scale.
type DistributionAllocator struct {
	// Scale is the number of decimal places allocated amounts are rounded to.
	Scale int32
}

func NewDistributionAllocator(scale int32) *DistributionAllocator {
	return &DistributionAllocator{Scale: scale}
}

// ReconciliationResult is the classification of a submitted batch.
type ReconciliationResult struct {
	TemplateID TemplateID
	Inserts    []DistributionDetail // no ID yet; the store assigns one
	Updates    []DistributionDetail // matched by ID, carrying submitted values
	Deletes    []DistributionDetail // stored lines absent from the batch, marked Deleted
}

// IsEmpty returns true if the batch was empty and nothing was stored.
func (r ReconciliationResult) IsEmpty() bool {
	return len(r.Inserts) == 0 && len(r.Updates) == 0 && len(r.Deletes) == 0
}

// Resulting returns the active lines after the result is applied, in
// submission order. Inserted lines have no ID.
func (r ReconciliationResult) Resulting() []DistributionDetail {
	out := make([]DistributionDetail, 0, len(r.Inserts)+len(r.Updates))
	out = append(out, r.Inserts...)
	out = append(out, r.Updates...)
	sortBySequence(out)
	return out
}

// Reconcile classifies submitted against existing for templateID. It does
// not touch storage; callers apply the result in the same transaction they
// loaded existing in. Reconcile is deterministic: the same inputs always
// produce the same classification.
func (a *DistributionAllocator) Reconcile(templateID TemplateID, submitted, existing []DistributionDetail) (ReconciliationResult, error) {
	result := ReconciliationResult{TemplateID: templateID}

	stored := make(map[DetailID]DistributionDetail, len(existing))
	for _, d := range existing {
		stored[d.ID] = d
	}

	seen := make(map[DetailID]bool, len(submitted))
	for i, d := range submitted {
		if err := validateDetailShape(d); err != nil {
			return ReconciliationResult{}, err
		}
		if d.TemplateID != "" && d.TemplateID != templateID {
			return ReconciliationResult{}, &ValidationError{
				Field:    "template_id",
				DetailID: d.ID,
				Reason:   fmt.Sprintf("belongs to template %s, not %s", d.TemplateID, templateID),
			}
		}

		line := d
		line.TemplateID = templateID
		line.Sequence = i + 1
		line.Deleted = false

		if d.ID == "" {
			result.Inserts = append(result.Inserts, line)
			continue
		}

		if seen[d.ID] {
			return ReconciliationResult{}, &ValidationError{Field: "id", DetailID: d.ID, Reason: "submitted more than once"}
		}
		seen[d.ID] = true

		current, ok := stored[d.ID]
		if !ok {
			return ReconciliationResult{}, &ValidationError{
				Field:    "id",
				DetailID: d.ID,
				Reason:   fmt.Sprintf("does not belong to template %s", templateID),
			}
		}
		if current.TemplateID != templateID {
			return ReconciliationResult{}, &ValidationError{
				Field:    "template_id",
				DetailID: d.ID,
				Reason:   fmt.Sprintf("belongs to template %s, not %s", current.TemplateID, templateID),
			}
		}
		if current.Deleted {
			return ReconciliationResult{}, &ValidationError{Field: "id", DetailID: d.ID, Reason: "detail was deleted"}
		}
		result.Updates = append(result.Updates, line)
	}

	for _, d := range existing {
		if d.Deleted || seen[d.ID] {
			continue
		}
		if d.TemplateID != templateID {
			return ReconciliationResult{}, &ValidationError{
				Field:    "template_id",
				DetailID: d.ID,
				Reason:   fmt.Sprintf("stored detail belongs to template %s, not %s", d.TemplateID, templateID),
			}
		}
		gone := d
		gone.Deleted = true
		result.Deletes = append(result.Deletes, gone)
	}

	return result, nil
}

func validateDetailShape(d DistributionDetail) error {
	if d.AccountID == "" {
		return &ValidationError{Field: "account_id", DetailID: d.ID, Reason: "required"}
	}
	if d.ProfitCenterID == "" {
		return &ValidationError{Field: "profit_center_id", DetailID: d.ID, Reason: "required"}
	}
	if !d.Percentage.IsPositive() || d.Percentage.GreaterThan(Hundred) {
		return &ValidationError{
			Field:    "percentage",
			DetailID: d.ID,
			Reason:   fmt.Sprintf("must be greater than 0 and at most 100, got %s", d.Percentage.String()),
		}
	}
	return nil
}

// PercentageTotal sums the percentages of active details.
func PercentageTotal(details []DistributionDetail) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		if !d.Deleted {
			total = total.Add(d.Percentage)
		}
	}
	return total
}

// ValidatePercentageTotal fails with AllocationImbalanceError unless the
// active details total exactly 100. The comparison is exact decimal.
func (a *DistributionAllocator) ValidatePercentageTotal(details []DistributionDetail) error {
	total := PercentageTotal(details)
	if !total.Equal(Hundred) {
		var templateID TemplateID
		if len(details) > 0 {
			templateID = details[0].TemplateID
		}
		return &AllocationImbalanceError{TemplateID: templateID, Total: total}
	}
	return nil
}

// =============================================================================
// ALLOCATION
// =============================================================================

// LineAllocation is the share of an amount assigned to one detail.
type LineAllocation struct {
	DetailID       DetailID
	AccountID      AccountID
	ProfitCenterID ProfitCenterID
	Percentage     decimal.Decimal
	Amount         decimal.Decimal
}

// CheckScale rejects an amount carrying more decimal places than Scale.
// Trailing zeros are fine: 100.500 passes at scale 2.
func (a *DistributionAllocator) CheckScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.RoundBank(a.Scale)) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%s has more than %d decimal places", amount.String(), a.Scale)}
	}
	return nil
}

// Allocate splits totalAmount across the active details in submission
// order. Every line is round(total * pct / 100) half-to-even at Scale,
// except the residual line, which gets total minus the sum of the others.
// Callers validate the percentage total first; Allocate only guarantees
// that the returned amounts sum to totalAmount exactly, so a total off
// the money scale is rejected.
func (a *DistributionAllocator) Allocate(totalAmount decimal.Decimal, details []DistributionDetail) ([]LineAllocation, error) {
	if err := a.CheckScale("amount", totalAmount); err != nil {
		return nil, err
	}
	active := ActiveDetails(details)
	if len(active) == 0 {
		return nil, &ValidationError{Field: "details", Reason: "no active distribution lines to allocate to"}
	}

	residual := residualIndex(active)

	lines := make([]LineAllocation, len(active))
	allocated := decimal.Zero
	for i, d := range active {
		lines[i] = LineAllocation{
			DetailID:       d.ID,
			AccountID:      d.AccountID,
			ProfitCenterID: d.ProfitCenterID,
			Percentage:     d.Percentage,
		}
		if i == residual {
			continue
		}
		amount := totalAmount.Mul(d.Percentage).Shift(-2).RoundBank(a.Scale)
		lines[i].Amount = amount
		allocated = allocated.Add(amount)
	}
	lines[residual].Amount = totalAmount.Sub(allocated).RoundBank(a.Scale)

	return lines, nil
}

// residualIndex picks the line that absorbs rounding: highest percentage,
// last in submission order on ties.
func residualIndex(details []DistributionDetail) int {
	best := 0
	for i := 1; i < len(details); i++ {
		if details[i].Percentage.GreaterThanOrEqual(details[best].Percentage) {
			best = i
		}
	}
	return best
}

func sortBySequence(details []DistributionDetail) {
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].Sequence < details[j].Sequence
	})
}
