/*
Package factory provides JSON to Go conversion for distribution templates
and recurring invoice definitions.

PURPOSE:
  Converts JSON documents into engine.DistributionTemplate /
  engine.DistributionDetail and engine.RecurringInvoiceDefinition values.
  The same documents are the HTTP request bodies and the demo scenario
  seeds, so a definition can be configured without code changes.

JSON SCHEMA (template):
  {
    "organization_id": "org1",
    "name": "Rent split",
    "details": [
      {"account_id": "6000", "profit_center_id": "PC1", "percentage": "60"},
      {"account_id": "6100", "profit_center_id": "PC2", "percentage": "40"}
    ]
  }

JSON SCHEMA (recurring definition):
  {
    "organization_id": "org1",
    "vendor_id": "landlord",
    "invoice_amount": "1000.00",
    "due_days": 30,
    "distribution_template_id": "rent-split",
    "cadence": "monthly",
    "month_creation_type": "same_month",
    "invoice_day": 31
  }

KEY FEATURES:
  - Struct validation with go-playground/validator, reported as
    *engine.ValidationError named after the JSON field
  - Omitted active and fixed_amount decode to true; schedule defaults
    belong to engine.RecurringService
  - Percentages and amounts accept JSON strings or numbers and stay exact
  - ToJSON renders the scheduling state for responses

USAGE:
  f := factory.New()
  def, err := f.ParseDefinition([]byte(body))

SEE ALSO:
  - engine/types.go: Target types
  - api/scenarios.go: Demo documents built with this package
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/payables-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TemplateJSON is the JSON representation of a distribution template.
type TemplateJSON struct {
	ID             string       `json:"id,omitempty"`
	OrganizationID string       `json:"organization_id" validate:"required"`
	Name           string       `json:"name" validate:"required,max=200"`
	Active         *bool        `json:"active,omitempty"`
	Details        []DetailJSON `json:"details" validate:"dive"`

	// Response only
	Finalized   bool       `json:"finalized,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	TotalPct    string     `json:"total_percentage,omitempty"`
}

// DetailJSON is one template line. An ID marks an existing detail.
type DetailJSON struct {
	ID             string          `json:"id,omitempty"`
	AccountID      string          `json:"account_id" validate:"required"`
	ProfitCenterID string          `json:"profit_center_id" validate:"required"`
	Percentage     decimal.Decimal `json:"percentage"`
}

// DefinitionJSON is the JSON representation of a recurring definition.
type DefinitionJSON struct {
	ID             string          `json:"id,omitempty"`
	OrganizationID string          `json:"organization_id" validate:"required"`
	VendorID       string          `json:"vendor_id" validate:"required"`
	PayToVendorID  string          `json:"pay_to_vendor_id,omitempty"`
	Description    string          `json:"description,omitempty" validate:"max=500"`
	InvoiceAmount  decimal.Decimal `json:"invoice_amount"`
	FixedAmount    *bool           `json:"fixed_amount,omitempty"` // Default true
	DueDays        int             `json:"due_days" validate:"min=0"`
	Automated      bool            `json:"automated,omitempty"`
	SeparateCheck  bool            `json:"separate_check,omitempty"`

	DistributionTemplateID *string `json:"distribution_template_id,omitempty"`
	AccountID              string  `json:"account_id,omitempty" validate:"required_without=DistributionTemplateID"`
	ProfitCenterID         string  `json:"profit_center_id,omitempty" validate:"required_without=DistributionTemplateID"`

	Cadence           string `json:"cadence,omitempty" validate:"omitempty,oneof=monthly quarterly semiannual annual"`
	MonthCreationType string `json:"month_creation_type,omitempty" validate:"omitempty,oneof=same_month following_month prior_month"`
	InvoiceDay        int    `json:"invoice_day" validate:"min=1,max=31"`
	ExpenseDay        int    `json:"expense_day,omitempty" validate:"omitempty,min=1,max=31"` // Defaults to invoice_day
	LeadDays          int    `json:"lead_days,omitempty" validate:"min=0"`
	Active            *bool  `json:"active,omitempty"` // Default true

	// Optimistic lock token, required on update
	Version int `json:"version,omitempty"`

	// Response only
	LastTransferDate    *engine.Date `json:"last_transfer_date,omitempty"`
	LastCreatedInPeriod string       `json:"last_created_in_period,omitempty"`
	NextCreationDate    *engine.Date `json:"next_creation_date,omitempty"`
	NextInvoiceDate     *engine.Date `json:"next_invoice_date,omitempty"`
	NextExpenseDate     *engine.Date `json:"next_expense_date,omitempty"`
	State               string       `json:"state,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON documents to engine values.
type Factory struct {
	validate *validator.Validate
}

// New creates a factory whose validation errors use JSON field names.
func New() *Factory {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Factory{validate: v}
}

// ParseTemplate parses a template document.
func (f *Factory) ParseTemplate(data []byte) (engine.DistributionTemplate, []engine.DistributionDetail, error) {
	var tj TemplateJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return engine.DistributionTemplate{}, nil, fmt.Errorf("failed to parse template JSON: %w", err)
	}
	return f.TemplateFromJSON(tj)
}

// TemplateFromJSON validates tj and converts it.
func (f *Factory) TemplateFromJSON(tj TemplateJSON) (engine.DistributionTemplate, []engine.DistributionDetail, error) {
	if err := f.check(tj); err != nil {
		return engine.DistributionTemplate{}, nil, err
	}

	t := engine.DistributionTemplate{
		ID:             engine.TemplateID(tj.ID),
		OrganizationID: engine.OrganizationID(tj.OrganizationID),
		Name:           tj.Name,
		Active:         boolOr(tj.Active, true),
	}
	details, err := f.DetailsFromJSON(tj.Details)
	if err != nil {
		return engine.DistributionTemplate{}, nil, err
	}
	return t, details, nil
}

// DetailsFromJSON converts a submitted detail list. Sequence follows the
// submission order.
func (f *Factory) DetailsFromJSON(list []DetailJSON) ([]engine.DistributionDetail, error) {
	details := make([]engine.DistributionDetail, 0, len(list))
	for i, dj := range list {
		if err := f.check(dj); err != nil {
			return nil, err
		}
		details = append(details, engine.DistributionDetail{
			ID:             engine.DetailID(dj.ID),
			AccountID:      engine.AccountID(dj.AccountID),
			ProfitCenterID: engine.ProfitCenterID(dj.ProfitCenterID),
			Percentage:     dj.Percentage,
			Sequence:       i,
		})
	}
	return details, nil
}

// TemplateToJSON renders a template with its active details.
func (f *Factory) TemplateToJSON(t engine.DistributionTemplate, details []engine.DistributionDetail) TemplateJSON {
	active := t.Active
	tj := TemplateJSON{
		ID:             string(t.ID),
		OrganizationID: string(t.OrganizationID),
		Name:           t.Name,
		Active:         &active,
		Details:        make([]DetailJSON, 0, len(details)),
		Finalized:      t.FinalizedAt != nil,
		FinalizedAt:    t.FinalizedAt,
		TotalPct:       engine.PercentageTotal(details).String(),
	}
	for _, d := range details {
		tj.Details = append(tj.Details, DetailJSON{
			ID:             string(d.ID),
			AccountID:      string(d.AccountID),
			ProfitCenterID: string(d.ProfitCenterID),
			Percentage:     d.Percentage,
		})
	}
	return tj
}

// ParseDefinition parses a recurring definition document.
func (f *Factory) ParseDefinition(data []byte) (engine.RecurringInvoiceDefinition, error) {
	var dj DefinitionJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return engine.RecurringInvoiceDefinition{}, fmt.Errorf("failed to parse definition JSON: %w", err)
	}
	return f.DefinitionFromJSON(dj)
}

// DefinitionFromJSON validates dj and converts it. Scheduling state in the
// document is ignored; it is owned by the scheduler.
func (f *Factory) DefinitionFromJSON(dj DefinitionJSON) (engine.RecurringInvoiceDefinition, error) {
	if err := f.check(dj); err != nil {
		return engine.RecurringInvoiceDefinition{}, err
	}

	def := engine.RecurringInvoiceDefinition{
		ID:                engine.DefinitionID(dj.ID),
		OrganizationID:    engine.OrganizationID(dj.OrganizationID),
		VendorID:          engine.VendorID(dj.VendorID),
		PayToVendorID:     engine.VendorID(dj.PayToVendorID),
		Description:       dj.Description,
		InvoiceAmount:     dj.InvoiceAmount,
		FixedAmount:       boolOr(dj.FixedAmount, true),
		DueDays:           dj.DueDays,
		Automated:         dj.Automated,
		SeparateCheck:     dj.SeparateCheck,
		AccountID:         engine.AccountID(dj.AccountID),
		ProfitCenterID:    engine.ProfitCenterID(dj.ProfitCenterID),
		Cadence:           engine.Cadence(dj.Cadence),
		MonthCreationType: engine.MonthCreationType(dj.MonthCreationType),
		InvoiceDay:        dj.InvoiceDay,
		ExpenseDay:        dj.ExpenseDay,
		LeadDays:          dj.LeadDays,
		Active:            boolOr(dj.Active, true),
		Version:           dj.Version,
	}
	if dj.DistributionTemplateID != nil && *dj.DistributionTemplateID != "" {
		id := engine.TemplateID(*dj.DistributionTemplateID)
		def.DistributionTemplateID = &id
	}

	return def, nil
}

// DefinitionToJSON renders a definition including its scheduling state.
func (f *Factory) DefinitionToJSON(def engine.RecurringInvoiceDefinition, state engine.ScheduleState) DefinitionJSON {
	fixed, active := def.FixedAmount, def.Active
	dj := DefinitionJSON{
		ID:                  string(def.ID),
		OrganizationID:      string(def.OrganizationID),
		VendorID:            string(def.VendorID),
		PayToVendorID:       string(def.PayToVendorID),
		Description:         def.Description,
		InvoiceAmount:       def.InvoiceAmount,
		FixedAmount:         &fixed,
		DueDays:             def.DueDays,
		Automated:           def.Automated,
		SeparateCheck:       def.SeparateCheck,
		AccountID:           string(def.AccountID),
		ProfitCenterID:      string(def.ProfitCenterID),
		Cadence:             string(def.Cadence),
		MonthCreationType:   string(def.MonthCreationType),
		InvoiceDay:          def.InvoiceDay,
		ExpenseDay:          def.ExpenseDay,
		LeadDays:            def.LeadDays,
		Active:              &active,
		Version:             def.Version,
		LastTransferDate:    def.LastTransferDate,
		LastCreatedInPeriod: string(def.LastCreatedInPeriod),
		NextCreationDate:    def.NextCreationDate,
		NextInvoiceDate:     def.NextInvoiceDate,
		NextExpenseDate:     def.NextExpenseDate,
		State:               string(state),
	}
	if def.DistributionTemplateID != nil {
		id := string(*def.DistributionTemplateID)
		dj.DistributionTemplateID = &id
	}
	return dj
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

// check runs struct validation and reports the first failure.
func (f *Factory) check(v any) error {
	err := f.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	return &engine.ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
