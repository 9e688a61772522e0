/*
handlers.go - HTTP API handlers for the payables engine

PURPOSE:
  Exposes distribution templates, recurring invoice definitions and the
  materialization driver via REST API. Handles HTTP request/response and
  JSON serialization, and delegates to the engine services.

ENDPOINTS:
  Templates:
    GET    /api/templates                  List templates (?organization_id=)
    POST   /api/templates                  Create template with details
    GET    /api/templates/{id}             Get template with active details
    DELETE /api/templates/{id}             Soft-delete template
    PUT    /api/templates/{id}/details     Reconcile submitted details
    POST   /api/templates/{id}/finalize    Verify the 100% total
    POST   /api/templates/{id}/allocate    Allocation preview for an amount

  Recurring definitions:
    GET    /api/recurring                  List (?organization_id=&template_id=&active=)
    POST   /api/recurring                  Create
    GET    /api/recurring/{id}             Get with scheduling state
    PUT    /api/recurring/{id}             Update (version required)
    POST   /api/recurring/{id}/deactivate  Deactivate
    GET    /api/recurring/{id}/preview     Next occurrences (?n=)
    POST   /api/recurring/{id}/materialize Materialize today's period

  Invoices / runs / reference data:
    GET    /api/invoices?definition_id=    Materialized invoices
    POST   /api/runs                       Manual driver pass
    GET    /api/runs                       Driver run history
    POST   /api/accounts                   Register GL account
    POST   /api/profit-centers             Register profit center

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    POST   /api/scenarios/load             Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request (factory documents for templates/definitions)
  2. Call the engine service, which owns the transaction
  3. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Template, definition, account or profit center not found
  - 409: Concurrent modification, schedule state conflict
  - 422: Template percentages do not total 100
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/factory"
	"github.com/warp/payables-engine/logger"
	"github.com/warp/payables-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Templates *engine.TemplateService
	Recurring *engine.RecurringService
	Driver    *MaterializationDriver
	Factory   *factory.Factory

	scheduler *engine.RecurringInvoiceScheduler
	scale     int32
	log       zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given services.
func NewHandler(store *sqlite.Store, templates *engine.TemplateService, recurring *engine.RecurringService, driver *MaterializationDriver, scale int32) *Handler {
	return &Handler{
		Store:     store,
		Templates: templates,
		Recurring: recurring,
		Driver:    driver,
		Factory:   factory.New(),
		scheduler: engine.NewRecurringInvoiceScheduler(),
		scale:     scale,
		log:       logger.WithComponent("api"),
	}
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

// ListTemplates returns the live templates of an organization.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := engine.OrganizationID(r.URL.Query().Get("organization_id"))

	templates, err := h.Templates.List(ctx, org)
	if err != nil {
		writeEngineError(w, "Failed to list templates", err)
		return
	}

	dtos := make([]factory.TemplateJSON, 0, len(templates))
	for _, t := range templates {
		full, err := h.Templates.Get(ctx, t.ID)
		if err != nil {
			writeEngineError(w, "Failed to load template", err)
			return
		}
		dtos = append(dtos, h.Factory.TemplateToJSON(full.Template, full.Details))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTemplate creates a template from a factory document.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var doc factory.TemplateJSON
	if !decodeBody(w, r, &doc) {
		return
	}

	tpl, details, err := h.Factory.TemplateFromJSON(doc)
	if err != nil {
		writeEngineError(w, "Invalid template", err)
		return
	}

	created, err := h.Templates.Create(r.Context(), tpl, details)
	if err != nil {
		writeEngineError(w, "Failed to create template", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.TemplateToJSON(created.Template, created.Details))
}

// GetTemplate returns a template with its active details.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	full, err := h.Templates.Get(r.Context(), engine.TemplateID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get template", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.TemplateToJSON(full.Template, full.Details))
}

// DeleteTemplate soft-deletes a template that no active definition uses.
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Templates.Delete(r.Context(), engine.TemplateID(chi.URLParam(r, "id"))); err != nil {
		writeEngineError(w, "Failed to delete template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceDetails reconciles the submitted detail list against the stored
// one. Details with an id are updates, without are inserts, and stored
// details missing from the list are soft-deleted.
func (h *Handler) ReplaceDetails(w http.ResponseWriter, r *http.Request) {
	var req ReplaceDetailsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	submitted, err := h.Factory.DetailsFromJSON(req.Details)
	if err != nil {
		writeEngineError(w, "Invalid details", err)
		return
	}

	active, result, err := h.Templates.ReplaceDetails(r.Context(), engine.TemplateID(chi.URLParam(r, "id")), submitted)
	if err != nil {
		writeEngineError(w, "Failed to replace details", err)
		return
	}

	writeJSON(w, http.StatusOK, ReplaceDetailsResponse{
		Details:  toDetailDTOs(active),
		Inserted: len(result.Inserts),
		Updated:  len(result.Updates),
		Deleted:  len(result.Deletes),
	})
}

// FinalizeTemplate verifies the template totals 100%.
func (h *Handler) FinalizeTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.TemplateID(chi.URLParam(r, "id"))

	if _, err := h.Templates.Finalize(ctx, id); err != nil {
		writeEngineError(w, "Failed to finalize template", err)
		return
	}
	full, err := h.Templates.Get(ctx, id)
	if err != nil {
		writeEngineError(w, "Failed to get template", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.TemplateToJSON(full.Template, full.Details))
}

// AllocateTemplate previews how an amount splits across the template.
func (h *Handler) AllocateTemplate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	lines, err := h.Templates.Allocate(r.Context(), engine.TemplateID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		writeEngineError(w, "Failed to allocate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(lines, h.scale))
}

// =============================================================================
// RECURRING DEFINITION HANDLERS
// =============================================================================

// ListDefinitions returns definitions with their state today.
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.DefinitionFilter{
		OrganizationID: engine.OrganizationID(q.Get("organization_id")),
		TemplateID:     engine.TemplateID(q.Get("template_id")),
	}
	if active := q.Get("active"); active != "" {
		v, err := strconv.ParseBool(active)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter", err)
			return
		}
		filter.ActiveOnly = v
	}

	defs, err := h.Recurring.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to list definitions", err)
		return
	}

	dtos := make([]factory.DefinitionJSON, 0, len(defs))
	for _, d := range defs {
		dtos = append(dtos, h.definitionDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDefinition creates a recurring definition.
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var doc factory.DefinitionJSON
	if !decodeBody(w, r, &doc) {
		return
	}

	def, err := h.Factory.DefinitionFromJSON(doc)
	if err != nil {
		writeEngineError(w, "Invalid definition", err)
		return
	}

	created, err := h.Recurring.Create(r.Context(), def)
	if err != nil {
		writeEngineError(w, "Failed to create definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.definitionDTO(created))
}

// GetDefinition returns a definition with its state today.
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.Recurring.Get(r.Context(), engine.DefinitionID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get definition", err)
		return
	}
	writeJSON(w, http.StatusOK, h.definitionDTO(def))
}

// UpdateDefinition edits a definition. The body must carry the version
// the client read.
func (h *Handler) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	var doc factory.DefinitionJSON
	if !decodeBody(w, r, &doc) {
		return
	}
	doc.ID = chi.URLParam(r, "id")
	if doc.Version == 0 {
		writeError(w, http.StatusBadRequest, "version is required", nil)
		return
	}

	// Omitted flags keep their stored values instead of the create defaults.
	if doc.Active == nil || doc.FixedAmount == nil {
		current, err := h.Recurring.Get(r.Context(), engine.DefinitionID(doc.ID))
		if err != nil {
			writeEngineError(w, "Failed to update definition", err)
			return
		}
		if doc.Active == nil {
			doc.Active = &current.Active
		}
		if doc.FixedAmount == nil {
			doc.FixedAmount = &current.FixedAmount
		}
	}

	def, err := h.Factory.DefinitionFromJSON(doc)
	if err != nil {
		writeEngineError(w, "Invalid definition", err)
		return
	}

	updated, err := h.Recurring.Update(r.Context(), def)
	if err != nil {
		writeEngineError(w, "Failed to update definition", err)
		return
	}
	writeJSON(w, http.StatusOK, h.definitionDTO(updated))
}

// DeactivateDefinition stops a definition from materializing.
func (h *Handler) DeactivateDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.Recurring.Deactivate(r.Context(), engine.DefinitionID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to deactivate definition", err)
		return
	}
	writeJSON(w, http.StatusOK, h.definitionDTO(def))
}

// PreviewDefinition lists the next n occurrences.
func (h *Handler) PreviewDefinition(w http.ResponseWriter, r *http.Request) {
	n := 6
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 60 {
			writeError(w, http.StatusBadRequest, "n must be between 1 and 60", err)
			return
		}
		n = v
	}

	occs, err := h.Recurring.Preview(r.Context(), engine.DefinitionID(chi.URLParam(r, "id")), n)
	if err != nil {
		writeEngineError(w, "Failed to preview definition", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTOs(occs))
}

// MaterializeDefinition materializes today's period if due.
func (h *Handler) MaterializeDefinition(w http.ResponseWriter, r *http.Request) {
	result, err := h.Recurring.Materialize(r.Context(), engine.DefinitionID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to materialize", err)
		return
	}

	resp := MaterializeResponse{
		Status:     string(result.Status),
		State:      string(result.State),
		InvoiceID:  string(result.InvoiceID),
		Definition: h.definitionDTO(result.Definition),
	}
	status := http.StatusOK
	if result.Invoice != nil {
		resp.Invoice = toInvoiceDTO(*result.Invoice, h.scale)
		resp.Invoice.ID = string(result.InvoiceID)
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) definitionDTO(def engine.RecurringInvoiceDefinition) factory.DefinitionJSON {
	return h.Factory.DefinitionToJSON(def, h.scheduler.State(def, h.Recurring.Clock().Today()))
}

// =============================================================================
// INVOICE / RUN / REFERENCE HANDLERS
// =============================================================================

// ListInvoices returns the invoices materialized for a definition.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("definition_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "definition_id is required", nil)
		return
	}

	invoices, err := h.Recurring.Invoices(r.Context(), engine.DefinitionID(id))
	if err != nil {
		writeEngineError(w, "Failed to list invoices", err)
		return
	}

	dtos := make([]MaterializedInvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		dtos = append(dtos, toInvoiceRecordDTO(inv, h.scale))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerRun runs the driver once, for today or the requested date.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	var date *engine.Date
	if req.Date != "" {
		d, err := engine.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		date = &d
	}

	run, summary, err := h.Driver.RunNow(r.Context(), date)
	if err != nil && run.ID == "" {
		writeError(w, http.StatusInternalServerError, "Failed to run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run, &summary))
}

// ListRuns returns recent driver runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run, nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount registers a GL account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !decodeBody(w, r, &req) || !validReference(w, req) {
		return
	}
	err := h.Store.SaveAccount(r.Context(), engine.GLAccount{
		ID:             engine.AccountID(req.ID),
		OrganizationID: engine.OrganizationID(req.OrganizationID),
		Name:           req.Name,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save account", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateProfitCenter registers a profit center.
func (h *Handler) CreateProfitCenter(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !decodeBody(w, r, &req) || !validReference(w, req) {
		return
	}
	err := h.Store.SaveProfitCenter(r.Context(), engine.ProfitCenter{
		ID:             engine.ProfitCenterID(req.ID),
		OrganizationID: engine.OrganizationID(req.OrganizationID),
		Name:           req.Name,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save profit center", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func validReference(w http.ResponseWriter, req ReferenceRequest) bool {
	if req.OrganizationID == "" || req.ID == "" {
		writeError(w, http.StatusBadRequest, "organization_id and id are required", nil)
		return false
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAllocationImbalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrConcurrentModification),
		errors.Is(err, engine.ErrInvalidScheduleState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
