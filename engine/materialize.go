/*
materialize.go - Turning a due recurring definition into a concrete invoice

ORDER OF OPERATIONS:
  1. Scheduler state      not Due -> NotDue, nothing else happens
  2. Amount               fixed, or delegated to the AmountComputer
  3. Distribution         template must exist, be active and total 100%
  4. GL references        every account / profit center must resolve
  5. Allocation           lines sum exactly to the amount
  6. Advance              only now is the period marked as created

Every check that can fail runs before Advance, so a failed materialization
leaves lastCreatedInPeriod untouched and the period is retried on the next
driver pass.

The materializer does not persist anything. RecurringService runs it inside
a transaction and saves the invoice and the advanced definition together.
*/
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountComputer supplies the amount of non-fixed-amount definitions.
type AmountComputer interface {
	ComputeAmount(ctx context.Context, history InvoiceReader, def RecurringInvoiceDefinition, period Period) (decimal.Decimal, error)
}

// MaterializationSource is the read access materialization needs.
type MaterializationSource interface {
	TemplateReader
	InvoiceReader
	GLLookup
}

type MaterializationStatus string

const (
	StatusNotDue       MaterializationStatus = "not_due"
	StatusMaterialized MaterializationStatus = "materialized"
)

// MaterializationResult carries the invoice (when materialized) and the
// definition to persist. Definition is unchanged when NotDue.
type MaterializationResult struct {
	Status     MaterializationStatus
	State      ScheduleState
	Invoice    *MaterializedInvoice
	Definition RecurringInvoiceDefinition

	// InvoiceID is set once the invoice has been persisted.
	InvoiceID InvoiceID
}

// =============================================================================
// MATERIALIZER
// =============================================================================

type RecurringInvoiceMaterializer struct {
	Allocator *DistributionAllocator
	Scheduler *RecurringInvoiceScheduler
	Amounts   AmountComputer // optional; required for non-fixed definitions
}

func NewRecurringInvoiceMaterializer(allocator *DistributionAllocator, scheduler *RecurringInvoiceScheduler, amounts AmountComputer) *RecurringInvoiceMaterializer {
	return &RecurringInvoiceMaterializer{
		Allocator: allocator,
		Scheduler: scheduler,
		Amounts:   amounts,
	}
}

// Materialize builds the invoice for today's period if def is Due.
func (m *RecurringInvoiceMaterializer) Materialize(ctx context.Context, src MaterializationSource, def RecurringInvoiceDefinition, today Date) (MaterializationResult, error) {
	state := m.Scheduler.State(def, today)
	if state != StateDue {
		return MaterializationResult{Status: StatusNotDue, State: state, Definition: def}, nil
	}

	period := def.cadence().PeriodFor(today)
	occ := m.Scheduler.CurrentOccurrence(def, today)

	amount, err := m.resolveAmount(ctx, src, def, period)
	if err != nil {
		return MaterializationResult{}, err
	}

	details, err := m.distributionFor(ctx, src, def)
	if err != nil {
		return MaterializationResult{}, err
	}

	if err := checkGLReferences(ctx, src, def.OrganizationID, details); err != nil {
		return MaterializationResult{}, err
	}

	allocations, err := m.Allocator.Allocate(amount, details)
	if err != nil {
		return MaterializationResult{}, err
	}

	advanced, ok, err := m.Scheduler.Advance(def, today)
	if err != nil {
		return MaterializationResult{}, err
	}
	if !ok {
		return MaterializationResult{Status: StatusNotDue, State: StateCreated, Definition: def}, nil
	}

	payTo := def.PayToVendorID
	if payTo == "" {
		payTo = def.VendorID
	}

	lines := make([]InvoiceLine, len(allocations))
	for i, a := range allocations {
		lines[i] = InvoiceLine{AccountID: a.AccountID, ProfitCenterID: a.ProfitCenterID, Amount: a.Amount}
	}

	return MaterializationResult{
		Status: StatusMaterialized,
		State:  StateCreated,
		Invoice: &MaterializedInvoice{
			DefinitionID:   def.ID,
			OrganizationID: def.OrganizationID,
			VendorID:       def.VendorID,
			PayToVendorID:  payTo,
			Description:    def.Description,
			PeriodKey:      period.Key(),
			InvoiceAmount:  amount,
			InvoiceDate:    occ.InvoiceDate,
			ExpenseDate:    occ.ExpenseDate,
			DueDate:        occ.DueDate,
			SeparateCheck:  def.SeparateCheck,
			Automated:      def.Automated,
			Lines:          lines,
		},
		Definition: advanced,
	}, nil
}

func (m *RecurringInvoiceMaterializer) resolveAmount(ctx context.Context, src MaterializationSource, def RecurringInvoiceDefinition, period Period) (decimal.Decimal, error) {
	amount := def.InvoiceAmount
	if def.FixedAmount {
		if err := m.Allocator.CheckScale("invoice_amount", amount); err != nil {
			return decimal.Zero, err
		}
	} else {
		if m.Amounts == nil {
			return decimal.Zero, &ValidationError{Field: "fixed_amount", Reason: "definition needs a computed amount but no amount computer is configured"}
		}
		computed, err := m.Amounts.ComputeAmount(ctx, src, def, period)
		if err != nil {
			return decimal.Zero, fmt.Errorf("compute amount for definition %s: %w", def.ID, err)
		}
		amount = computed.RoundBank(m.Allocator.Scale)
	}
	if amount.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "invoice_amount", Reason: fmt.Sprintf("must not be negative, got %s", amount.String())}
	}
	return amount, nil
}

// distributionFor returns the active details the amount is split across.
// Single-account definitions get one synthetic 100% line.
func (m *RecurringInvoiceMaterializer) distributionFor(ctx context.Context, src TemplateReader, def RecurringInvoiceDefinition) ([]DistributionDetail, error) {
	if def.DistributionTemplateID == nil {
		return []DistributionDetail{{
			AccountID:      def.AccountID,
			ProfitCenterID: def.ProfitCenterID,
			Percentage:     Hundred,
			Sequence:       1,
		}}, nil
	}

	templateID := *def.DistributionTemplateID
	tmpl, err := src.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl.Deleted {
		return nil, notFound("template", templateID)
	}
	if !tmpl.Active {
		return nil, &ValidationError{Field: "distribution_template_id", Reason: fmt.Sprintf("template %s is inactive", templateID)}
	}

	details, err := src.LoadDetails(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("load details of template %s: %w", templateID, err)
	}
	active := ActiveDetails(details)

	if err := m.Allocator.ValidatePercentageTotal(active); err != nil {
		var imbalance *AllocationImbalanceError
		if errors.As(err, &imbalance) {
			imbalance.TemplateID = templateID
		}
		return nil, err
	}
	return active, nil
}

func checkGLReferences(ctx context.Context, gl GLLookup, org OrganizationID, details []DistributionDetail) error {
	accounts := make(map[AccountID]bool)
	centers := make(map[ProfitCenterID]bool)
	for _, d := range details {
		if !accounts[d.AccountID] {
			ok, err := gl.AccountExists(ctx, org, d.AccountID)
			if err != nil {
				return fmt.Errorf("look up account %s: %w", d.AccountID, err)
			}
			if !ok {
				return notFound("account", d.AccountID)
			}
			accounts[d.AccountID] = true
		}
		if !centers[d.ProfitCenterID] {
			ok, err := gl.ProfitCenterExists(ctx, org, d.ProfitCenterID)
			if err != nil {
				return fmt.Errorf("look up profit center %s: %w", d.ProfitCenterID, err)
			}
			if !ok {
				return notFound("profit_center", d.ProfitCenterID)
			}
			centers[d.ProfitCenterID] = true
		}
	}
	return nil
}
