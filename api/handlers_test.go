/*
handlers_test.go - HTTP tests for the API handlers

Tests run the full router against the in-memory store seeded with the
default rule catalog.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/store/memory"
	"github.com/warp/tax-engine/tax"
)

type testServer struct {
	router    http.Handler
	handler   *Handler
	store     *memory.Memory
	scheduler *ExpirationScheduler
}

func clock() time.Time { return time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC) }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	catalog := rules.NewCatalog(store, rules.WithClock(clock))
	entries, err := rules.Defaults()
	require.NoError(t, err)
	_, err = catalog.Seed(context.Background(), entries)
	require.NoError(t, err)

	engine := calculation.NewEngine(store, catalog, calculation.WithClock(clock))
	scheduler := NewExpirationScheduler(engine, store, nil)
	scheduler.now = clock

	h := NewHandler(engine, catalog, scheduler, nil)
	return &testServer{
		router:    NewRouter(h, RouterOptions{}),
		handler:   h,
		store:     store,
		scheduler: scheduler,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func corporateBody(period, revenue, expenses string) CalculationRequest {
	return CalculationRequest{
		TaxpayerID: "acme",
		Regime:     "corporate_standard",
		Period:     period,
		Revenue:    revenue,
		Expenses:   []ExpenseDTO{{Category: "general", Amount: expenses}},
	}
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func TestCalculate_PreviewDoesNotPersist(t *testing.T) {
	s := newTestServer(t)

	// When: previewing a 2025 settlement
	rec := s.do(t, http.MethodPost, "/api/calculations?preview=true", corporateBody("2025", "500000", "350000"))

	// Then: figures come back as decimal strings and nothing is stored
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[CalculationDTO](t, rec)
	assert.Equal(t, "28500.00", dto.Tax)
	assert.Equal(t, "150000.00", dto.TaxableIncome)
	assert.Equal(t, "0.19", dto.Rate)
	assert.Equal(t, "2026-03-31", dto.DueDate)
	assert.True(t, dto.Preview)

	history := s.do(t, http.MethodGet, "/api/taxpayers/acme/calculations", nil)
	require.Equal(t, http.StatusOK, history.Code)
	assert.Empty(t, decodeBody[[]CalculationDTO](t, history))
}

func TestCalculate_CommitAndRead(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/calculations", corporateBody("2025", "500000", "350000"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CalculationDTO](t, rec)
	assert.Equal(t, "committed", created.Status)
	assert.False(t, created.Preview)

	got := s.do(t, http.MethodGet, "/api/calculations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, created.ID, decodeBody[CalculationDTO](t, got).ID)

	history := s.do(t, http.MethodGet, "/api/taxpayers/acme/calculations", nil)
	require.Equal(t, http.StatusOK, history.Code)
	assert.Len(t, decodeBody[[]CalculationDTO](t, history), 1)
}

func TestCalculate_LossesApplyByDefault(t *testing.T) {
	s := newTestServer(t)

	// Given: an 80,000 loss from 2024
	rec := s.do(t, http.MethodPost, "/api/losses", RecordLossRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Year: 2024, Amount: "80000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// When: 2025 is calculated without options
	rec = s.do(t, http.MethodPost, "/api/calculations", CalculationRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025", Revenue: "150000",
	})

	// Then: half of the income is offset
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decodeBody[CalculationDTO](t, rec)
	assert.Equal(t, "75000.00", dto.LossDeduction)
	assert.Equal(t, "14250.00", dto.Tax)
	require.Len(t, dto.LossApplications, 1)
	assert.Equal(t, "5000.00", dto.LossApplications[0].RemainingAfter)
}

func TestCalculate_OptOutOfLosses(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/losses", RecordLossRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Year: 2024, Amount: "80000",
	})

	off := false
	body := CalculationRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025", Revenue: "150000",
		Options: OptionsDTO{ApplyLosses: &off},
	}
	rec := s.do(t, http.MethodPost, "/api/calculations?preview=true", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[CalculationDTO](t, rec)
	assert.Equal(t, "0.00", dto.LossDeduction)
	assert.Contains(t, dto.Notes, calculation.NoteLossesNotRequested)
}

func TestCalculate_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", `{"taxpayer_id":`, http.StatusBadRequest},
		{"missing regime", CalculationRequest{TaxpayerID: "acme", Period: "2025", Revenue: "1"}, http.StatusBadRequest},
		{"non-numeric revenue", CalculationRequest{TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025", Revenue: "lots"}, http.StatusBadRequest},
		{"unknown regime", CalculationRequest{TaxpayerID: "acme", Regime: "vat", Period: "2025", Revenue: "1"}, http.StatusBadRequest},
		{"bad period", CalculationRequest{TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025-Q5", Revenue: "1"}, http.StatusBadRequest},
		{"negative revenue", CalculationRequest{TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025", Revenue: "-1"}, http.StatusBadRequest},
		{"unknown expense category", CalculationRequest{
			TaxpayerID: "acme", Regime: "corporate_standard", Period: "2025", Revenue: "1",
			Expenses: []ExpenseDTO{{Category: "bribes", Amount: "1"}},
		}, http.StatusBadRequest},
		{"no rules in force", corporateBody("2015", "100", "0"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/calculations", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Details)
			assert.False(t, resp.Retryable)
		})
	}
}

func TestGetCalculation_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/calculations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LOSSES
// =============================================================================

func TestLosses_RecordAndBalance(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/losses", RecordLossRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Year: 2024, Amount: "80000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[RecordLossResponse](t, rec).LossID
	assert.NotEmpty(t, id)

	// Then: usable in 2025 with a 2029 expiration
	rec = s.do(t, http.MethodGet, "/api/taxpayers/acme/losses?regime=corporate_standard&year=2025", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decodeBody[LossBalanceDTO](t, rec)
	assert.Equal(t, "80000.00", bal.Total)
	require.Len(t, bal.Records, 1)
	assert.Equal(t, id, bal.Records[0].ID)
	assert.Equal(t, 2029, bal.Records[0].ExpirationYear)

	// And: not usable in its own year
	rec = s.do(t, http.MethodGet, "/api/taxpayers/acme/losses?regime=corporate_standard&year=2024", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", decodeBody[LossBalanceDTO](t, rec).Total)
}

func TestLosses_Rejections(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/losses", RecordLossRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Year: 2024, Amount: "0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/taxpayers/acme/losses", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/taxpayers/acme/losses?regime=corporate_standard&year=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLosses_ExpireSweep(t *testing.T) {
	s := newTestServer(t)

	// Given: a 2019 loss, usable through 2024
	rec := s.do(t, http.MethodPost, "/api/losses", RecordLossRequest{
		TaxpayerID: "acme", Regime: "corporate_standard", Year: 2019, Amount: "1000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// When: the sweep runs for the current year
	rec = s.do(t, http.MethodPost, "/api/losses/expire", nil)

	// Then
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[ExpirationRunDTO](t, rec)
	assert.Equal(t, 2026, run.Year)
	assert.Equal(t, tax.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Expired)

	rec = s.do(t, http.MethodGet, "/api/taxpayers/acme/losses?regime=corporate_standard", nil)
	bal := decodeBody[LossBalanceDTO](t, rec)
	require.Len(t, bal.Records, 1)
	assert.Equal(t, string(tax.LossExpired), bal.Records[0].Status)

	rec = s.do(t, http.MethodGet, "/api/losses/expirations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ExpirationRunDTO](t, rec), 1)
}

// =============================================================================
// ADVANCES
// =============================================================================

func TestReconcileAdvance(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/advances/reconcile", AdvanceRequestDTO{
		Regime: "corporate_standard", Period: "2025-12",
		CumulativeTaxYTD: "100000", PriorAdvancesPaid: "90000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[AdvanceResultDTO](t, rec)
	assert.Equal(t, "cumulative", res.Method)
	assert.Equal(t, "10000.00", res.Due)
	assert.Equal(t, "2026-01-20", res.DueDate)

	rec = s.do(t, http.MethodPost, "/api/advances/reconcile", AdvanceRequestDTO{
		Regime: "corporate_standard", Period: "2025-Q2", Method: "simplified",
		PriorYearTax: "120000", SimplifiedElected: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "30000.00", decodeBody[AdvanceResultDTO](t, rec).Due)

	rec = s.do(t, http.MethodPost, "/api/advances/reconcile", AdvanceRequestDTO{
		Regime: "corporate_standard", Period: "2025-Q2", Method: "weekly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_ListInsertSupersede(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody[rules.Document](t, rec)
	assert.NotEmpty(t, doc.Rules)

	rule := rules.EntryDoc{
		Regime: "corporate_standard", Code: "rate", Value: "0.18",
		EffectiveFrom: "2027-01-01", LegalReference: "CIT Act art. 19(1)(1) as amended",
	}

	// When: inserting over the open-ended 2019 entry
	rec = s.do(t, http.MethodPost, "/api/rules", RuleRequest{Rule: rule})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// When: superseding it instead
	rec = s.do(t, http.MethodPost, "/api/rules", RuleRequest{Mode: "supersede", Rule: rule})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decodeBody[rules.EntryDoc](t, rec)
	assert.NotEmpty(t, stored.ID)

	// Then: 2027 settles at the new rate, 2026 at the old one
	rec = s.do(t, http.MethodPost, "/api/calculations?preview=true", corporateBody("2027", "100000", "0"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "18000.00", decodeBody[CalculationDTO](t, rec).Tax)

	rec = s.do(t, http.MethodPost, "/api/calculations?preview=true", corporateBody("2026", "100000", "0"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "19000.00", decodeBody[CalculationDTO](t, rec).Tax)
}

func TestRules_PastDatedVersionRejected(t *testing.T) {
	s := newTestServer(t)

	// Given: a version that would start before today (2026-02-10)
	rule := rules.EntryDoc{
		Regime: "corporate_standard", Code: "rate", Value: "0.15",
		EffectiveFrom: "2025-01-01", LegalReference: "CIT Act art. 19(1)(1) as amended",
	}

	// When: superseding with it
	rec := s.do(t, http.MethodPost, "/api/rules", RuleRequest{Mode: "supersede", Rule: rule})

	// Then: it is refused and 2025 still settles at 19%
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/calculations?preview=true", corporateBody("2025", "100000", "0"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "19000.00", decodeBody[CalculationDTO](t, rec).Tax)
}

func TestRules_RejectsMalformedEntry(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/rules", RuleRequest{Rule: rules.EntryDoc{
		Regime: "corporate_standard", Code: "rate", Value: "0.19", EffectiveFrom: "next year",
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/rules", RuleRequest{Mode: "replace"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH AND ERROR MAPPING
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.handler.Ping = func(context.Context) error { return errors.New("database is locked") }
	rec = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&tax.InputError{Field: "revenue", Reason: "must not be negative"}, http.StatusBadRequest},
		{tax.ErrInvalidState, http.StatusBadRequest},
		{&tax.RuleNotFoundError{Regime: tax.RegimeCorporateStandard, Code: tax.CodeRate}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", tax.ErrCalculationNotFound), http.StatusNotFound},
		{tax.ErrLossAllocationConflict, http.StatusConflict},
		{tax.ErrRuleOverlap, http.StatusConflict},
		{&tax.PersistenceError{Op: "commit transaction", Err: errors.New("disk I/O error")}, http.StatusServiceUnavailable},
		{&tax.CalculationError{Op: "commit", Err: tax.ErrLossAllocationConflict}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
