/*
handlers.go - HTTP API handlers for the tax obligation engine

PURPOSE:
  Exposes the calculation engine via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to the engine, the rule
  catalog and the expiration scheduler.

ENDPOINTS:
  Calculations:
    POST   /api/calculations                   Calculate and commit (?preview=true: no persistence)
    GET    /api/calculations/{id}              Get a calculation record
    GET    /api/taxpayers/{id}/calculations    Calculation history, newest first

  Losses:
    POST   /api/losses                         Record a manually declared loss
    GET    /api/taxpayers/{id}/losses          Loss records (?regime= required, ?year= for the usable balance)
    POST   /api/losses/expire                  Run the expiration sweep now
    GET    /api/losses/expirations             Expiration run history

  Advances:
    POST   /api/advances/reconcile             Installment due for a period

  Rules:
    GET    /api/rules                          List the rule catalog
    POST   /api/rules                          Insert or supersede a rule entry

  Health:
    GET    /healthz

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (validator/v10 tags)
  3. Convert decimal strings into domain values
  4. Call the engine
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid state
  - 404: Calculation, loss or rule not found
  - 409: Loss allocation conflict, rule overlap or immutability
  - 503: Persistence failure (retryable)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Expiration sweep
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/logging"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/tax"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *calculation.Engine
	Catalog   *rules.Catalog
	Scheduler *ExpirationScheduler

	// Ping reports storage health for /healthz. Optional.
	Ping func(ctx context.Context) error

	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a handler. A nil logger disables logging.
func NewHandler(engine *calculation.Engine, catalog *rules.Catalog, scheduler *ExpirationScheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:    engine,
		Catalog:   catalog,
		Scheduler: scheduler,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// CALCULATION HANDLERS
// =============================================================================

// Calculate runs a calculation. With ?preview=true nothing is persisted and
// the response status is 200 instead of 201.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var body CalculationRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Preview, _ = strconv.ParseBool(r.URL.Query().Get("preview"))

	rec, err := h.Engine.Calculate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if req.Preview {
		status = http.StatusOK
	}
	writeJSON(w, status, toCalculationDTO(*rec))
}

// GetCalculation returns one calculation record with its loss applications.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(rec))
}

// ListCalculations returns a taxpayer's calculation history.
func (h *Handler) ListCalculations(w http.ResponseWriter, r *http.Request) {
	taxpayer := tax.TaxpayerID(chi.URLParam(r, "id"))
	recs, err := h.Engine.History(r.Context(), taxpayer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]CalculationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toCalculationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOSS HANDLERS
// =============================================================================

// RecordLoss records a manually declared loss.
func (h *Handler) RecordLoss(w http.ResponseWriter, r *http.Request) {
	var body RecordLossRequest
	if !h.decode(w, r, &body) {
		return
	}
	var p amountParser
	amount := p.parse("amount", body.Amount)
	if p.err != nil {
		h.writeError(w, r, p.err)
		return
	}

	id, err := h.Engine.RecordLoss(r.Context(), tax.TaxpayerID(body.TaxpayerID), tax.Regime(body.Regime), body.Year, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordLossResponse{LossID: id})
}

// ListLosses returns a taxpayer's losses under a regime. With ?year= only
// the records usable in that year are returned, with their total.
func (h *Handler) ListLosses(w http.ResponseWriter, r *http.Request) {
	taxpayer := tax.TaxpayerID(chi.URLParam(r, "id"))
	regime, err := tax.ParseRegime(r.URL.Query().Get("regime"), false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	yearParam := r.URL.Query().Get("year")
	if yearParam == "" {
		recs, err := h.Engine.Losses(r.Context(), taxpayer, regime)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, LossBalanceDTO{
			TaxpayerID: string(taxpayer),
			Regime:     string(regime),
			Records:    toLossRecordDTOs(recs),
		})
		return
	}

	year, err := strconv.Atoi(yearParam)
	if err != nil {
		h.writeError(w, r, &tax.InputError{Field: "year", Reason: fmt.Sprintf("malformed year %q", yearParam)})
		return
	}
	view, err := h.Engine.LossBalance(r.Context(), taxpayer, regime, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(taxpayer, regime, year, view))
}

// ExpireLosses runs the expiration sweep for the requested year.
func (h *Handler) ExpireLosses(w http.ResponseWriter, r *http.Request) {
	var body ExpireLossesRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	year := body.Year
	if year == 0 {
		year = h.Scheduler.now().Year()
	}

	run, err := h.Scheduler.Sweep(r.Context(), year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpirationRunDTO(run))
}

// ListExpirationRuns returns the sweep history, newest first.
func (h *Handler) ListExpirationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.History(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]ExpirationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toExpirationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================

// ReconcileAdvance returns the installment due for a period.
func (h *Handler) ReconcileAdvance(w http.ResponseWriter, r *http.Request) {
	var body AdvanceRequestDTO
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Engine.ReconcileAdvance(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(res))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns every catalog entry in its file format.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Catalog.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	docs := make([]rules.EntryDoc, len(entries))
	for i, e := range entries {
		docs[i] = rules.FromEntry(e)
	}
	writeJSON(w, http.StatusOK, rules.Document{Rules: docs})
}

// CreateRule inserts a rule entry, or supersedes the open one.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var body RuleRequest
	if !h.decode(w, r, &body) {
		return
	}
	entry, err := body.Rule.ToEntry()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if body.Mode == "supersede" {
		entry, err = h.Catalog.Supersede(r.Context(), entry)
	} else {
		entry, err = h.Catalog.Insert(r.Context(), entry)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	logging.FromContext(r.Context(), h.logger).Info("rule entry stored",
		zap.String("rule_id", entry.ID),
		zap.String("regime", string(entry.Regime)),
		zap.String("code", string(entry.Code)),
		zap.String("mode", body.Mode),
	)
	writeJSON(w, http.StatusCreated, rules.FromEntry(entry))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable", Details: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, &tax.InputError{Field: "body", Reason: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &tax.InputError{Field: "body", Reason: err.Error()}
	}
	reasons := make([]string, len(verrs))
	for i, fe := range verrs {
		reasons[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return &tax.InputError{Field: verrs[0].Field(), Reason: strings.Join(reasons, "; ")}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tax.ErrLossAllocationConflict),
		errors.Is(err, tax.ErrRuleOverlap),
		errors.Is(err, tax.ErrRuleImmutable),
		errors.Is(err, tax.ErrDuplicateApplication):
		return http.StatusConflict
	case tax.IsNotFound(err):
		return http.StatusNotFound
	case tax.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, tax.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Details:   err.Error(),
		Retryable: tax.IsRetryable(err),
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error("unhandled error", zap.Error(err))
		resp.Details = ""
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
