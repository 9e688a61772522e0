/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	payables data. Each scenario registers GL reference data, creates
	distribution templates and recurring definitions through the factory
	documents, exactly as an API client would.

AVAILABLE SCENARIOS:

	office-rent:      Rent split 60/40 across two profit centers, invoice day 31
	utilities:        Usage-based power bill averaged over the last 3 invoices
	unbalanced-split: Template totalling 99%, blocked until fixed

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register GL accounts and profit centers
 3. Create templates and definitions via factory documents
 4. Optionally seed invoice history

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "office-rent"}

USAGE VIA CLI:

	apengine seed office-rent

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - factory/definition.go: Template and definition documents
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/payables-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoOrg = "acme"

var scenarios = []ScenarioDTO{
	{
		ID:          "office-rent",
		Name:        "Office Rent",
		Description: "Monthly rent on day 31 split 60/40 across two profit centers, plus quarterly insurance on one account",
	},
	{
		ID:          "utilities",
		Name:        "Utilities",
		Description: "Power bill computed as the average of the last three invoices, created 5 days ahead",
	},
	{
		ID:          "unbalanced-split",
		Name:        "Unbalanced Split",
		Description: "Template totalling 99% that blocks materialization until it is fixed",
	},
}

// Scenarios returns the available demo scenarios.
func Scenarios() []ScenarioDTO {
	return append([]ScenarioDTO(nil), scenarios...)
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.Load(r.Context(), req.ScenarioID); err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// Load resets the database and loads the scenario.
func (h *Handler) Load(ctx context.Context, id string) error {
	var loader func(context.Context) error
	switch id {
	case "office-rent":
		loader = h.loadOfficeRentScenario
	case "utilities":
		loader = h.loadUtilitiesScenario
	case "unbalanced-split":
		loader = h.loadUnbalancedSplitScenario
	default:
		return &engine.NotFoundError{Kind: "scenario", ID: id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		return err
	}

	h.currentScenario = id
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOfficeRentScenario(ctx context.Context) error {
	if err := h.seedReferenceData(ctx); err != nil {
		return err
	}

	if err := h.createTemplateFromJSON(ctx, splitTemplateJSON("rent-split", "Rent split", "60", "40")); err != nil {
		return err
	}

	// Rent: 10,000.00 on the 31st (clamped in short months), due in 30 days
	if err := h.createDefinitionFromJSON(ctx, fmt.Sprintf(`{
		"id": "office-rent",
		"organization_id": %q,
		"vendor_id": "harbor-properties",
		"description": "HQ office rent",
		"invoice_amount": "10000.00",
		"due_days": 30,
		"distribution_template_id": "rent-split",
		"invoice_day": 31
	}`, demoOrg)); err != nil {
		return err
	}

	// Insurance: quarterly, one account, expense booked the following month
	return h.createDefinitionFromJSON(ctx, fmt.Sprintf(`{
		"id": "liability-insurance",
		"organization_id": %q,
		"vendor_id": "mutual-insurance",
		"description": "General liability premium",
		"invoice_amount": "2400.00",
		"due_days": 15,
		"account_id": "6300",
		"profit_center_id": "HQ",
		"cadence": "quarterly",
		"month_creation_type": "following_month",
		"invoice_day": 1
	}`, demoOrg))
}

func (h *Handler) loadUtilitiesScenario(ctx context.Context) error {
	if err := h.seedReferenceData(ctx); err != nil {
		return err
	}

	if err := h.createDefinitionFromJSON(ctx, fmt.Sprintf(`{
		"id": "power",
		"organization_id": %q,
		"vendor_id": "city-power",
		"description": "Electricity",
		"invoice_amount": "800.00",
		"fixed_amount": false,
		"due_days": 20,
		"account_id": "6200",
		"profit_center_id": "HQ",
		"invoice_day": 10,
		"lead_days": 5
	}`, demoOrg)); err != nil {
		return err
	}

	// Three months of history for the average
	today := h.Recurring.Clock().Today()
	for i, amount := range []string{"812.40", "790.15", "845.90"} {
		date := engine.AddMonthsClamped(engine.ResolveDayOfMonth(today.Year(), today.Month(), 10), i-3)
		period := engine.CadenceMonthly.PeriodFor(date)
		_, err := h.Store.SaveInvoice(ctx, engine.InvoiceRecord{MaterializedInvoice: engine.MaterializedInvoice{
			DefinitionID:   "power",
			OrganizationID: demoOrg,
			VendorID:       "city-power",
			PayToVendorID:  "city-power",
			Description:    "Electricity",
			PeriodKey:      period.Key(),
			InvoiceAmount:  decimal.RequireFromString(amount),
			InvoiceDate:    date,
			ExpenseDate:    date,
			DueDate:        date.AddDays(20),
			Lines: []engine.InvoiceLine{
				{AccountID: "6200", ProfitCenterID: "HQ", Amount: decimal.RequireFromString(amount)},
			},
		}})
		if err != nil {
			return fmt.Errorf("seed invoice history: %w", err)
		}
	}
	return nil
}

func (h *Handler) loadUnbalancedSplitScenario(ctx context.Context) error {
	if err := h.seedReferenceData(ctx); err != nil {
		return err
	}

	if err := h.createTemplateFromJSON(ctx, splitTemplateJSON("cleaning-split", "Cleaning split", "60", "39")); err != nil {
		return err
	}

	return h.createDefinitionFromJSON(ctx, fmt.Sprintf(`{
		"id": "cleaning",
		"organization_id": %q,
		"vendor_id": "sparkle-cleaning",
		"description": "Office cleaning",
		"invoice_amount": "1500.00",
		"due_days": 10,
		"distribution_template_id": "cleaning-split",
		"invoice_day": 15
	}`, demoOrg))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedReferenceData(ctx context.Context) error {
	accounts := map[string]string{
		"6000": "Rent expense",
		"6100": "Occupancy expense",
		"6200": "Utilities",
		"6300": "Insurance",
		"6400": "Cleaning and maintenance",
	}
	for id, name := range accounts {
		if err := h.Store.SaveAccount(ctx, engine.GLAccount{ID: engine.AccountID(id), OrganizationID: demoOrg, Name: name}); err != nil {
			return err
		}
	}

	centers := map[string]string{"HQ": "Headquarters", "WH": "Warehouse"}
	for id, name := range centers {
		if err := h.Store.SaveProfitCenter(ctx, engine.ProfitCenter{ID: engine.ProfitCenterID(id), OrganizationID: demoOrg, Name: name}); err != nil {
			return err
		}
	}
	return nil
}

// splitTemplateJSON returns a two-line template over HQ and WH.
func splitTemplateJSON(id, name, hq, wh string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"organization_id": %q,
		"name": %q,
		"details": [
			{"account_id": "6000", "profit_center_id": "HQ", "percentage": %q},
			{"account_id": "6100", "profit_center_id": "WH", "percentage": %q}
		]
	}`, id, demoOrg, name, hq, wh)
}

func (h *Handler) createTemplateFromJSON(ctx context.Context, doc string) error {
	tpl, details, err := h.Factory.ParseTemplate([]byte(doc))
	if err != nil {
		return err
	}
	_, err = h.Templates.Create(ctx, tpl, details)
	return err
}

func (h *Handler) createDefinitionFromJSON(ctx context.Context, doc string) error {
	def, err := h.Factory.ParseDefinition([]byte(doc))
	if err != nil {
		return err
	}
	_, err = h.Recurring.Create(ctx, def)
	return err
}
