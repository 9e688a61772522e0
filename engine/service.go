/*
service.go - Transactional orchestration of templates and recurring invoices

PURPOSE:
  The allocator, scheduler and materializer are pure. The services in this
  file give them a transaction boundary: every operation loads what it
  needs, runs the pure logic, and writes the result inside one WithTx call.

  TemplateService:  create, reconcile details, finalize, delete, allocate
  RecurringService: create, edit, deactivate, preview, materialize, run due

TRANSACTION RULES:
  - ReplaceDetails reconciles against the details loaded in the same
    transaction, so a concurrent reader never sees a half-applied batch.
  - Materialize saves the invoice and the advanced definition together.
    Any failure rolls both back and leaves the period due.

RUNS:
  RunDue walks all active definitions. Definitions share no state, so they
  run in parallel up to RunOptions.Concurrency. A failed definition is
  reported in the summary and retried on the next run; HaltOnError stops
  the run at the first failure instead.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TEMPLATE SERVICE
// =============================================================================

type TemplateService struct {
	store     TxStore
	allocator *DistributionAllocator
	now       func() time.Time
	log       zerolog.Logger
}

func NewTemplateService(store TxStore, allocator *DistributionAllocator, log zerolog.Logger) *TemplateService {
	return &TemplateService{
		store:     store,
		allocator: allocator,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// TemplateWithDetails is a template and its active details.
type TemplateWithDetails struct {
	Template DistributionTemplate
	Details  []DistributionDetail
}

// Create stores a new template with its initial details. The details are
// not required to total 100% yet.
func (s *TemplateService) Create(ctx context.Context, t DistributionTemplate, details []DistributionDetail) (TemplateWithDetails, error) {
	if t.OrganizationID == "" {
		return TemplateWithDetails{}, &ValidationError{Field: "organization_id", Reason: "required"}
	}
	if t.Name == "" {
		return TemplateWithDetails{}, &ValidationError{Field: "name", Reason: "required"}
	}
	if t.ID == "" {
		t.ID = TemplateID(uuid.NewString())
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Deleted = false
	t.FinalizedAt = nil

	var out TemplateWithDetails
	err := s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetTemplate(ctx, t.ID); err == nil {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("template %s already exists", t.ID)}
		} else if !IsNotFound(err) {
			return err
		}

		result, err := s.allocator.Reconcile(t.ID, details, nil)
		if err != nil {
			return err
		}
		if err := tx.SaveTemplate(ctx, t); err != nil {
			return fmt.Errorf("save template: %w", err)
		}
		active, err := tx.ApplyReconciliation(ctx, result)
		if err != nil {
			return fmt.Errorf("save details: %w", err)
		}
		out = TemplateWithDetails{Template: t, Details: active}
		return nil
	})
	if err != nil {
		return TemplateWithDetails{}, err
	}

	s.log.Info().Str("template_id", string(t.ID)).Int("details", len(out.Details)).Msg("template created")
	return out, nil
}

// Get returns a live template with its active details.
func (s *TemplateService) Get(ctx context.Context, id TemplateID) (TemplateWithDetails, error) {
	t, err := liveTemplate(ctx, s.store, id)
	if err != nil {
		return TemplateWithDetails{}, err
	}
	details, err := s.store.LoadDetails(ctx, id)
	if err != nil {
		return TemplateWithDetails{}, fmt.Errorf("load details: %w", err)
	}
	return TemplateWithDetails{Template: t, Details: ActiveDetails(details)}, nil
}

// List returns the live templates of org (all organizations when empty).
func (s *TemplateService) List(ctx context.Context, org OrganizationID) ([]DistributionTemplate, error) {
	all, err := s.store.ListTemplates(ctx, org)
	if err != nil {
		return nil, err
	}
	live := make([]DistributionTemplate, 0, len(all))
	for _, t := range all {
		if !t.Deleted {
			live = append(live, t)
		}
	}
	return live, nil
}

// ReplaceDetails reconciles the submitted batch against the stored details
// and applies the result atomically. Reconciliation clears FinalizedAt.
func (s *TemplateService) ReplaceDetails(ctx context.Context, id TemplateID, submitted []DistributionDetail) ([]DistributionDetail, ReconciliationResult, error) {
	var (
		active []DistributionDetail
		result ReconciliationResult
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		t, err := liveTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		existing, err := tx.LoadDetails(ctx, id)
		if err != nil {
			return fmt.Errorf("load details: %w", err)
		}
		result, err = s.allocator.Reconcile(id, submitted, existing)
		if err != nil {
			return err
		}
		active, err = tx.ApplyReconciliation(ctx, result)
		if err != nil {
			return fmt.Errorf("apply reconciliation: %w", err)
		}

		t.FinalizedAt = nil
		t.UpdatedAt = s.now()
		return tx.SaveTemplate(ctx, t)
	})
	if err != nil {
		return nil, ReconciliationResult{}, err
	}

	s.log.Info().
		Str("template_id", string(id)).
		Int("inserted", len(result.Inserts)).
		Int("updated", len(result.Updates)).
		Int("deleted", len(result.Deletes)).
		Msg("template details reconciled")
	return active, result, nil
}

// Finalize checks that the template totals 100% and stamps FinalizedAt.
func (s *TemplateService) Finalize(ctx context.Context, id TemplateID) (DistributionTemplate, error) {
	var out DistributionTemplate
	err := s.store.WithTx(ctx, func(tx Store) error {
		t, err := liveTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		details, err := tx.LoadDetails(ctx, id)
		if err != nil {
			return fmt.Errorf("load details: %w", err)
		}
		if err := s.validateTotal(id, ActiveDetails(details)); err != nil {
			return err
		}

		now := s.now()
		t.FinalizedAt = &now
		t.UpdatedAt = now
		if err := tx.SaveTemplate(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return DistributionTemplate{}, err
	}

	s.log.Info().Str("template_id", string(id)).Msg("template finalized")
	return out, nil
}

// Delete soft-deletes the template and all of its details. Templates still
// referenced by an active recurring definition are refused.
func (s *TemplateService) Delete(ctx context.Context, id TemplateID) error {
	err := s.store.WithTx(ctx, func(tx Store) error {
		t, err := liveTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		refs, err := tx.ListDefinitions(ctx, DefinitionFilter{TemplateID: id, ActiveOnly: true})
		if err != nil {
			return fmt.Errorf("list referencing definitions: %w", err)
		}
		if len(refs) > 0 {
			return &ValidationError{
				Field:  "template_id",
				Reason: fmt.Sprintf("template is used by %d active recurring definition(s), e.g. %s", len(refs), refs[0].ID),
			}
		}

		existing, err := tx.LoadDetails(ctx, id)
		if err != nil {
			return fmt.Errorf("load details: %w", err)
		}
		result, err := s.allocator.Reconcile(id, nil, existing)
		if err != nil {
			return err
		}
		if _, err := tx.ApplyReconciliation(ctx, result); err != nil {
			return fmt.Errorf("delete details: %w", err)
		}

		t.Deleted = true
		t.Active = false
		t.UpdatedAt = s.now()
		return tx.SaveTemplate(ctx, t)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("template_id", string(id)).Msg("template deleted")
	return nil
}

// Allocate previews the split of amount across the template.
func (s *TemplateService) Allocate(ctx context.Context, id TemplateID, amount decimal.Decimal) ([]LineAllocation, error) {
	got, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validateTotal(id, got.Details); err != nil {
		return nil, err
	}
	return s.allocator.Allocate(amount, got.Details)
}

func (s *TemplateService) validateTotal(id TemplateID, active []DistributionDetail) error {
	if err := s.allocator.ValidatePercentageTotal(active); err != nil {
		var imbalance *AllocationImbalanceError
		if errors.As(err, &imbalance) {
			imbalance.TemplateID = id
		}
		return err
	}
	return nil
}

func liveTemplate(ctx context.Context, r TemplateReader, id TemplateID) (DistributionTemplate, error) {
	t, err := r.GetTemplate(ctx, id)
	if err != nil {
		return DistributionTemplate{}, err
	}
	if t.Deleted {
		return DistributionTemplate{}, notFound("template", id)
	}
	return t, nil
}

// =============================================================================
// RECURRING SERVICE
// =============================================================================

type RecurringService struct {
	store        TxStore
	materializer *RecurringInvoiceMaterializer
	clock        Clock
	now          func() time.Time
	log          zerolog.Logger
}

func NewRecurringService(store TxStore, materializer *RecurringInvoiceMaterializer, clock Clock, log zerolog.Logger) *RecurringService {
	return &RecurringService{
		store:        store,
		materializer: materializer,
		clock:        clock,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

// Clock returns the service's source of today.
func (s *RecurringService) Clock() Clock { return s.clock }

func (s *RecurringService) scheduler() *RecurringInvoiceScheduler { return s.materializer.Scheduler }

func (s *RecurringService) validate(def RecurringInvoiceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.FixedAmount {
		return s.materializer.Allocator.CheckScale("invoice_amount", def.InvoiceAmount)
	}
	return nil
}

// Create validates and stores a new definition with its next dates primed
// for the current period.
func (s *RecurringService) Create(ctx context.Context, def RecurringInvoiceDefinition) (RecurringInvoiceDefinition, error) {
	applyDefinitionDefaults(&def)
	if err := s.validate(def); err != nil {
		return RecurringInvoiceDefinition{}, err
	}
	if def.ID == "" {
		def.ID = DefinitionID(uuid.NewString())
	}

	def.LastTransferDate = nil
	def.LastCreatedInPeriod = ""
	def = s.scheduler().Prime(def, s.clock.Today())
	def.Version = 1
	now := s.now()
	def.CreatedAt, def.UpdatedAt = now, now

	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := checkDefinitionReferences(ctx, tx, def); err != nil {
			return err
		}
		return tx.CreateDefinition(ctx, def)
	})
	if err != nil {
		return RecurringInvoiceDefinition{}, err
	}

	s.log.Info().
		Str("definition_id", string(def.ID)).
		Str("next_creation_date", def.NextCreationDate.String()).
		Msg("recurring definition created")
	return def, nil
}

// Get returns one definition.
func (s *RecurringService) Get(ctx context.Context, id DefinitionID) (RecurringInvoiceDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

func (s *RecurringService) List(ctx context.Context, filter DefinitionFilter) ([]RecurringInvoiceDefinition, error) {
	return s.store.ListDefinitions(ctx, filter)
}

// Update applies a user edit. Period state (lastCreatedInPeriod,
// lastTransferDate) is never taken from the edit. Changing a schedule
// field recomputes the next dates; otherwise explicitly edited next dates
// are kept. A non-zero def.Version must match the stored version.
func (s *RecurringService) Update(ctx context.Context, def RecurringInvoiceDefinition) (RecurringInvoiceDefinition, error) {
	applyDefinitionDefaults(&def)
	if err := s.validate(def); err != nil {
		return RecurringInvoiceDefinition{}, err
	}

	var out RecurringInvoiceDefinition
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetDefinition(ctx, def.ID)
		if err != nil {
			return err
		}
		if def.Version != 0 && def.Version != current.Version {
			return fmt.Errorf("definition %s is at version %d, edit was based on %d: %w",
				def.ID, current.Version, def.Version, ErrConcurrentModification)
		}

		next := def
		next.LastTransferDate = current.LastTransferDate
		next.LastCreatedInPeriod = current.LastCreatedInPeriod
		next.CreatedAt = current.CreatedAt

		if scheduleChanged(current, next) {
			next.NextInvoiceDate, next.NextExpenseDate, next.NextCreationDate = nil, nil, nil
		} else {
			if next.NextInvoiceDate == nil {
				next.NextInvoiceDate = current.NextInvoiceDate
			}
			if next.NextExpenseDate == nil {
				next.NextExpenseDate = current.NextExpenseDate
			}
			if next.NextCreationDate == nil {
				next.NextCreationDate = current.NextCreationDate
			}
		}
		next = s.scheduler().Prime(next, s.clock.Today())
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		if err := checkDefinitionReferences(ctx, tx, next); err != nil {
			return err
		}
		if err := tx.UpdateDefinition(ctx, next, current.Version); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return RecurringInvoiceDefinition{}, err
	}

	s.log.Info().Str("definition_id", string(out.ID)).Int("version", out.Version).Msg("recurring definition updated")
	return out, nil
}

// Deactivate stops a definition from materializing. Definitions are never
// deleted because invoices reference them.
func (s *RecurringService) Deactivate(ctx context.Context, id DefinitionID) (RecurringInvoiceDefinition, error) {
	var out RecurringInvoiceDefinition
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		next := current
		next.Active = false
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		if err := tx.UpdateDefinition(ctx, next, current.Version); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return RecurringInvoiceDefinition{}, err
	}

	s.log.Info().Str("definition_id", string(id)).Msg("recurring definition deactivated")
	return out, nil
}

// Preview lists the next n occurrences of a definition from today.
func (s *RecurringService) Preview(ctx context.Context, id DefinitionID, n int) ([]Occurrence, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.scheduler().Preview(def, s.clock.Today(), n), nil
}

// State reports the scheduling state of a definition today.
func (s *RecurringService) State(ctx context.Context, id DefinitionID) (ScheduleState, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return "", err
	}
	return s.scheduler().State(def, s.clock.Today()), nil
}

// Invoices returns the persisted invoices of a definition.
func (s *RecurringService) Invoices(ctx context.Context, id DefinitionID) ([]InvoiceRecord, error) {
	if _, err := s.store.GetDefinition(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListInvoices(ctx, id)
}

// Materialize materializes the definition for the clock's today.
func (s *RecurringService) Materialize(ctx context.Context, id DefinitionID) (MaterializationResult, error) {
	return s.MaterializeOn(ctx, id, s.clock.Today())
}

// MaterializeOn materializes the definition for today and persists the
// invoice together with the advanced definition.
func (s *RecurringService) MaterializeOn(ctx context.Context, id DefinitionID, today Date) (MaterializationResult, error) {
	var result MaterializationResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		def, err := tx.GetDefinition(ctx, id)
		if err != nil {
			return err
		}

		result, err = s.materializer.Materialize(ctx, tx, def, today)
		if err != nil {
			return err
		}
		if result.Status != StatusMaterialized {
			return nil
		}

		invoiceID, err := tx.SaveInvoice(ctx, InvoiceRecord{
			MaterializedInvoice: *result.Invoice,
			CreatedAt:           s.now(),
		})
		if err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		result.InvoiceID = invoiceID

		advanced := result.Definition
		advanced.Version = def.Version + 1
		advanced.UpdatedAt = s.now()
		if err := tx.UpdateDefinition(ctx, advanced, def.Version); err != nil {
			return err
		}
		result.Definition = advanced
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("definition_id", string(id)).Str("date", today.String()).Msg("materialization failed")
		return MaterializationResult{}, err
	}

	if result.Status == StatusMaterialized {
		s.log.Info().
			Str("definition_id", string(id)).
			Str("period", string(result.Invoice.PeriodKey)).
			Str("invoice_id", string(result.InvoiceID)).
			Str("amount", result.Invoice.InvoiceAmount.String()).
			Msg("invoice materialized")
	}
	return result, nil
}

// =============================================================================
// RUNS
// =============================================================================

// RunGuard serializes work on one definition across concurrent drivers.
// acquired=false means another driver holds the definition.
type RunGuard interface {
	Acquire(ctx context.Context, id DefinitionID) (release func(), acquired bool, err error)
}

type RunOptions struct {
	Concurrency int  // <= 1 runs definitions one at a time
	HaltOnError bool // stop at the first failed definition
	Guard       RunGuard
}

type RunStatus string

const (
	RunMaterialized RunStatus = "materialized"
	RunNotDue       RunStatus = "not_due"
	RunSkipped      RunStatus = "skipped" // locked by another driver or lost a version race
	RunFailed       RunStatus = "failed"
)

// RunOutcome is the result for one definition.
type RunOutcome struct {
	DefinitionID DefinitionID
	Status       RunStatus
	Period       PeriodKey
	InvoiceID    InvoiceID
	Err          error
}

// RunSummary is the result of one driver pass.
type RunSummary struct {
	Date         Date
	Materialized int
	NotDue       int
	Skipped      int
	Failed       int
	Outcomes     []RunOutcome
}

// RunDue materializes every active definition that is due on today.
func (s *RecurringService) RunDue(ctx context.Context, today Date, opts RunOptions) (RunSummary, error) {
	defs, err := s.store.ListDefinitions(ctx, DefinitionFilter{ActiveOnly: true})
	if err != nil {
		return RunSummary{}, fmt.Errorf("list active definitions: %w", err)
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	outcomes := make([]RunOutcome, len(defs))
	var haltOnce sync.Once
	var haltErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, def := range defs {
		i, id := i, def.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				outcomes[i] = RunOutcome{DefinitionID: id, Status: RunSkipped, Err: gctx.Err()}
				return nil
			}
			outcomes[i] = s.runOne(gctx, id, today, opts.Guard)
			if outcomes[i].Status == RunFailed && opts.HaltOnError {
				haltOnce.Do(func() { haltErr = outcomes[i].Err })
				return outcomes[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := RunSummary{Date: today, Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case RunMaterialized:
			summary.Materialized++
		case RunNotDue:
			summary.NotDue++
		case RunSkipped:
			summary.Skipped++
		case RunFailed:
			summary.Failed++
		}
	}

	s.log.Info().
		Str("date", today.String()).
		Int("definitions", len(defs)).
		Int("materialized", summary.Materialized).
		Int("not_due", summary.NotDue).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("recurring run completed")

	if haltErr != nil {
		return summary, fmt.Errorf("run halted: %w", haltErr)
	}
	return summary, nil
}

func (s *RecurringService) runOne(ctx context.Context, id DefinitionID, today Date, guard RunGuard) RunOutcome {
	if guard != nil {
		release, acquired, err := guard.Acquire(ctx, id)
		if err != nil {
			return RunOutcome{DefinitionID: id, Status: RunFailed, Err: fmt.Errorf("acquire run lock: %w", err)}
		}
		if !acquired {
			return RunOutcome{DefinitionID: id, Status: RunSkipped}
		}
		defer release()
	}

	result, err := s.MaterializeOn(ctx, id, today)
	switch {
	case err != nil && IsRetryable(err):
		return RunOutcome{DefinitionID: id, Status: RunSkipped, Err: err}
	case err != nil:
		return RunOutcome{DefinitionID: id, Status: RunFailed, Err: err}
	case result.Status == StatusMaterialized:
		return RunOutcome{
			DefinitionID: id,
			Status:       RunMaterialized,
			Period:       result.Invoice.PeriodKey,
			InvoiceID:    result.InvoiceID,
		}
	default:
		return RunOutcome{DefinitionID: id, Status: RunNotDue}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func applyDefinitionDefaults(def *RecurringInvoiceDefinition) {
	if def.Cadence == "" {
		def.Cadence = CadenceMonthly
	}
	if def.MonthCreationType == "" {
		def.MonthCreationType = ExpenseSameMonth
	}
	if def.PayToVendorID == "" {
		def.PayToVendorID = def.VendorID
	}
	if def.ExpenseDay == 0 {
		def.ExpenseDay = def.InvoiceDay
	}
}

func scheduleChanged(a, b RecurringInvoiceDefinition) bool {
	return a.InvoiceDay != b.InvoiceDay ||
		a.ExpenseDay != b.ExpenseDay ||
		a.LeadDays != b.LeadDays ||
		a.Cadence != b.Cadence ||
		a.MonthCreationType != b.MonthCreationType
}

// checkDefinitionReferences resolves the template or the single account a
// definition points at.
func checkDefinitionReferences(ctx context.Context, tx Store, def RecurringInvoiceDefinition) error {
	if def.DistributionTemplateID != nil {
		t, err := liveTemplate(ctx, tx, *def.DistributionTemplateID)
		if err != nil {
			return err
		}
		if t.OrganizationID != def.OrganizationID {
			return &ValidationError{
				Field:  "distribution_template_id",
				Reason: fmt.Sprintf("template %s belongs to another organization", t.ID),
			}
		}
		return nil
	}
	return checkGLReferences(ctx, tx, def.OrganizationID, []DistributionDetail{{
		AccountID:      def.AccountID,
		ProfitCenterID: def.ProfitCenterID,
	}})
}
