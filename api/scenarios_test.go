/*
scenarios_test.go - Tests for demo scenario loading

Each scenario is loaded through the API and then driven with a run, the
same way the back office demo uses them.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/factory"
)

func TestScenario_OfficeRent(t *testing.T) {
	// GIVEN: The office-rent scenario on April 30
	s := setupTestServer(t, engine.NewDate(2024, 4, 30))
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "office-rent"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Running the driver
	rec = s.do(t, http.MethodPost, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)

	// THEN: Rent and the Q2 insurance premium are both materialized
	assert.Equal(t, 2, run.Materialized)
	assert.Zero(t, run.Failed)

	rec = s.do(t, http.MethodGet, "/api/invoices?definition_id=office-rent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	invoices := decode[[]MaterializedInvoiceDTO](t, rec)
	require.Len(t, invoices, 1)
	assert.Equal(t, "10000.00", invoices[0].InvoiceAmount)
	assert.Equal(t, "2024-04-30", invoices[0].InvoiceDate.String())
	require.Len(t, invoices[0].Lines, 2)
	assert.Equal(t, "6000.00", invoices[0].Lines[0].Amount)
	assert.Equal(t, "4000.00", invoices[0].Lines[1].Amount)

	rec = s.do(t, http.MethodGet, "/api/invoices?definition_id=liability-insurance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	insurance := decode[[]MaterializedInvoiceDTO](t, rec)
	require.Len(t, insurance, 1)
	assert.Equal(t, "2024-Q2", insurance[0].PeriodKey)
	assert.Equal(t, "2024-05-01", insurance[0].ExpenseDate.String())
}

func TestScenario_UtilitiesAveragesHistory(t *testing.T) {
	// GIVEN: Power billed on the 10th with 5 lead days and three months of history
	s := setupTestServer(t, engine.NewDate(2024, 4, 5))
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "utilities"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/recurring/power", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "due", decode[factory.DefinitionJSON](t, rec).State)

	// WHEN: Materializing ahead of the invoice date
	rec = s.do(t, http.MethodPost, "/api/recurring/power/materialize", nil)

	// THEN: The amount is the average of 812.40, 790.15 and 845.90
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[MaterializeResponse](t, rec)
	require.NotNil(t, resp.Invoice)
	assert.Equal(t, "816.15", resp.Invoice.InvoiceAmount)
	assert.Equal(t, "2024-04-10", resp.Invoice.InvoiceDate.String())
}

func TestScenario_UnbalancedSplitFailsRun(t *testing.T) {
	s := setupTestServer(t, engine.NewDate(2024, 4, 20))
	require.NoError(t, s.handler.Load(context.Background(), "unbalanced-split"))

	rec := s.do(t, http.MethodPost, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)

	assert.Equal(t, 0, run.Materialized)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, RunStatusCompleted, run.Status)
	require.Len(t, run.Outcomes, 1)
	assert.Contains(t, run.Outcomes[0].Error, "100")
}

func TestScenario_CurrentAndUnknown(t *testing.T) {
	s := setupTestServer(t, engine.NewDate(2024, 4, 30))

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, s.handler.Load(context.Background(), "utilities"))
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "utilities", decode[ScenarioDTO](t, rec).ID)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	s := setupTestServer(t, engine.NewDate(2024, 4, 30))

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]ScenarioDTO](t, rec)
	require.Len(t, listed, len(Scenarios()))

	for _, sc := range listed {
		t.Run(sc.ID, func(t *testing.T) {
			// Loading twice proves the reset clears everything
			require.NoError(t, s.handler.Load(context.Background(), sc.ID))
			require.NoError(t, s.handler.Load(context.Background(), sc.ID))
		})
	}
}
