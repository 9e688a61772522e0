/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Templates and
  definitions reuse the factory documents (factory.TemplateJSON,
  factory.DefinitionJSON); everything else is declared here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMAT:
  Materialized invoices use the camelCase shape downstream invoice
  consumers expect:

    {"invoiceAmount": "1000.00", "invoiceDate": "2024-04-30",
     "expenseDate": "2024-04-30", "dueDate": "2024-05-30",
     "lines": [{"accountId": "6000", "profitCenterId": "PC1", "amount": "600.00"}]}

  Everything else is snake_case. Amounts are strings so they stay exact.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/definition.go: Template and definition documents
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/factory"
	"github.com/warp/payables-engine/store/sqlite"
)

// =============================================================================
// TEMPLATES
// =============================================================================

// ReplaceDetailsRequest is the body of PUT /api/templates/{id}/details.
type ReplaceDetailsRequest struct {
	Details []factory.DetailJSON `json:"details"`
}

// ReplaceDetailsResponse reports the active details and what changed.
type ReplaceDetailsResponse struct {
	Details  []factory.DetailJSON `json:"details"`
	Inserted int                  `json:"inserted"`
	Updated  int                  `json:"updated"`
	Deleted  int                  `json:"deleted"`
}

// AllocateRequest is the body of POST /api/templates/{id}/allocate.
type AllocateRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AllocationLineDTO is one line of an allocation preview.
type AllocationLineDTO struct {
	DetailID       string `json:"detail_id,omitempty"`
	AccountID      string `json:"account_id"`
	ProfitCenterID string `json:"profit_center_id"`
	Percentage     string `json:"percentage"`
	Amount         string `json:"amount"`
}

// =============================================================================
// RECURRING DEFINITIONS
// =============================================================================

// OccurrenceDTO is one previewed period.
type OccurrenceDTO struct {
	Period       string      `json:"period"`
	CreationDate engine.Date `json:"creation_date"`
	InvoiceDate  engine.Date `json:"invoice_date"`
	ExpenseDate  engine.Date `json:"expense_date"`
	DueDate      engine.Date `json:"due_date"`
}

// MaterializeResponse is the result of POST /api/recurring/{id}/materialize.
type MaterializeResponse struct {
	Status     string                  `json:"status"` // materialized, not_due
	State      string                  `json:"state"`
	InvoiceID  string                  `json:"invoice_id,omitempty"`
	Invoice    *MaterializedInvoiceDTO `json:"invoice,omitempty"`
	Definition factory.DefinitionJSON  `json:"definition"`
}

// =============================================================================
// INVOICES (camelCase wire shape)
// =============================================================================

// MaterializedInvoiceDTO is the wire shape of a materialized invoice.
type MaterializedInvoiceDTO struct {
	ID             string           `json:"id,omitempty"`
	DefinitionID   string           `json:"definitionId"`
	OrganizationID string           `json:"organizationId"`
	VendorID       string           `json:"vendorId"`
	PayToVendorID  string           `json:"payToVendorId"`
	Description    string           `json:"description,omitempty"`
	PeriodKey      string           `json:"periodKey"`
	InvoiceAmount  string           `json:"invoiceAmount"`
	InvoiceDate    engine.Date      `json:"invoiceDate"`
	ExpenseDate    engine.Date      `json:"expenseDate"`
	DueDate        engine.Date      `json:"dueDate"`
	SeparateCheck  bool             `json:"separateCheck"`
	Automated      bool             `json:"automated"`
	Lines          []InvoiceLineDTO `json:"lines"`
	CreatedAt      *time.Time       `json:"createdAt,omitempty"`
}

// InvoiceLineDTO is one distribution line of an invoice.
type InvoiceLineDTO struct {
	AccountID      string `json:"accountId"`
	ProfitCenterID string `json:"profitCenterId"`
	Amount         string `json:"amount"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunRequest is the optional body of POST /api/runs.
type RunRequest struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
}

// RunDTO is a driver run.
type RunDTO struct {
	ID           string       `json:"id"`
	RunDate      engine.Date  `json:"run_date"`
	Trigger      string       `json:"trigger"`
	Status       string       `json:"status"`
	Materialized int          `json:"materialized"`
	NotDue       int          `json:"not_due"`
	Skipped      int          `json:"skipped"`
	Failed       int          `json:"failed"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Outcomes     []OutcomeDTO `json:"outcomes,omitempty"`
}

// OutcomeDTO is the result for one definition within a run.
type OutcomeDTO struct {
	DefinitionID string `json:"definition_id"`
	Status       string `json:"status"`
	Period       string `json:"period,omitempty"`
	InvoiceID    string `json:"invoice_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// =============================================================================
// REFERENCE DATA / SCENARIOS / ERRORS
// =============================================================================

// ReferenceRequest registers a GL account or profit center.
type ReferenceRequest struct {
	OrganizationID string `json:"organization_id"`
	ID             string `json:"id"`
	Name           string `json:"name"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toDetailDTOs(details []engine.DistributionDetail) []factory.DetailJSON {
	out := make([]factory.DetailJSON, 0, len(details))
	for _, d := range details {
		out = append(out, factory.DetailJSON{
			ID:             string(d.ID),
			AccountID:      string(d.AccountID),
			ProfitCenterID: string(d.ProfitCenterID),
			Percentage:     d.Percentage,
		})
	}
	return out
}

func toAllocationDTOs(lines []engine.LineAllocation, scale int32) []AllocationLineDTO {
	out := make([]AllocationLineDTO, 0, len(lines))
	for _, l := range lines {
		out = append(out, AllocationLineDTO{
			DetailID:       string(l.DetailID),
			AccountID:      string(l.AccountID),
			ProfitCenterID: string(l.ProfitCenterID),
			Percentage:     l.Percentage.String(),
			Amount:         l.Amount.StringFixedBank(scale),
		})
	}
	return out
}

func toOccurrenceDTOs(occs []engine.Occurrence) []OccurrenceDTO {
	out := make([]OccurrenceDTO, 0, len(occs))
	for _, o := range occs {
		out = append(out, OccurrenceDTO{
			Period:       string(o.Period.Key()),
			CreationDate: o.CreationDate,
			InvoiceDate:  o.InvoiceDate,
			ExpenseDate:  o.ExpenseDate,
			DueDate:      o.DueDate,
		})
	}
	return out
}

func toInvoiceDTO(inv engine.MaterializedInvoice, scale int32) *MaterializedInvoiceDTO {
	dto := &MaterializedInvoiceDTO{
		DefinitionID:   string(inv.DefinitionID),
		OrganizationID: string(inv.OrganizationID),
		VendorID:       string(inv.VendorID),
		PayToVendorID:  string(inv.PayToVendorID),
		Description:    inv.Description,
		PeriodKey:      string(inv.PeriodKey),
		InvoiceAmount:  inv.InvoiceAmount.StringFixedBank(scale),
		InvoiceDate:    inv.InvoiceDate,
		ExpenseDate:    inv.ExpenseDate,
		DueDate:        inv.DueDate,
		SeparateCheck:  inv.SeparateCheck,
		Automated:      inv.Automated,
		Lines:          make([]InvoiceLineDTO, 0, len(inv.Lines)),
	}
	for _, l := range inv.Lines {
		dto.Lines = append(dto.Lines, InvoiceLineDTO{
			AccountID:      string(l.AccountID),
			ProfitCenterID: string(l.ProfitCenterID),
			Amount:         l.Amount.StringFixedBank(scale),
		})
	}
	return dto
}

func toInvoiceRecordDTO(rec engine.InvoiceRecord, scale int32) MaterializedInvoiceDTO {
	dto := toInvoiceDTO(rec.MaterializedInvoice, scale)
	dto.ID = string(rec.ID)
	if !rec.CreatedAt.IsZero() {
		created := rec.CreatedAt
		dto.CreatedAt = &created
	}
	return *dto
}

func toRunDTO(run sqlite.MaterializationRun, summary *engine.RunSummary) RunDTO {
	dto := RunDTO{
		ID:           run.ID,
		RunDate:      run.RunDate,
		Trigger:      run.Trigger,
		Status:       run.Status,
		Materialized: run.Materialized,
		NotDue:       run.NotDue,
		Skipped:      run.Skipped,
		Failed:       run.Failed,
		Error:        run.Error,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if summary != nil {
		for _, o := range summary.Outcomes {
			od := OutcomeDTO{
				DefinitionID: string(o.DefinitionID),
				Status:       string(o.Status),
				Period:       string(o.Period),
				InvoiceID:    string(o.InvoiceID),
			}
			if o.Err != nil {
				od.Error = o.Err.Error()
			}
			dto.Outcomes = append(dto.Outcomes, od)
		}
	}
	return dto
}
