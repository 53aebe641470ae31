/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes timecard submission, approval and settlement via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  settlement.Service.

ENDPOINTS:
  Timecards:
    POST   /api/timecards/preview           Hours + fee preview, nothing persisted
    POST   /api/timecards                   Submit a shift report
    GET    /api/timecards                   List (status, payer_id, worker_id, limit)
    GET    /api/timecards/{id}              Get one timecard
    GET    /api/timecards/{id}/events       Lifecycle history
    POST   /api/timecards/{id}/approve      Payer approval, then settlement
    POST   /api/timecards/{id}/reject       Payer rejection
    POST   /api/timecards/{id}/retry-payment Operator payment retry
    GET    /api/timecards/{id}/receipt.pdf  Receipt for a decided timecard

  Contracts & readiness (stand-ins for external services):
    POST   /api/contracts                   Create or replace a contract
    GET    /api/contracts                   List contracts
    GET    /api/contracts/{id}              Get a contract
    PUT    /api/payers/{id}/payment-method  Set a payer's payment method
    PUT    /api/workers/{id}/payout-account Set a worker's payout account
    GET    /api/payers/{id}/statement.xlsx  Payer statement workbook

  Operations:
    GET    /api/attention                   Flagged and payment-failed timecards
    GET    /api/admin/sweep                 Last sweep report, next run
    POST   /api/admin/sweep                 Run a deadline sweep now
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Seed a demo scenario
    GET    /healthz                         Liveness + store ping

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, invalid input
  - 403: Caller is not the timecard's payer or worker
  - 404: Timecard or contract not found
  - 409: Invalid transition, concurrent modification, busy record
  - 422: Payment not ready (approval refused, nothing written)
  - 502: Payment failed with nothing recorded
  Approve and retry-payment answer 202 with payment_error when the approval
  is recorded but the money did not move.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - settlement/service.go: Lifecycle orchestration
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/shift-settlement/auth"
	"github.com/warp/shift-settlement/export"
	"github.com/warp/shift-settlement/settlement"
)

const dateLayout = "2006-01-02"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Registry holds the records owned by external services in production:
// contracts, payment methods and payout accounts.
type Registry interface {
	settlement.ContractSource
	settlement.AccountDirectory
	SaveContract(ctx context.Context, c *settlement.Contract) error
	ListContracts(ctx context.Context) ([]*settlement.Contract, error)
	SavePaymentMethod(ctx context.Context, pm *settlement.PaymentMethod) error
	SavePayoutAccount(ctx context.Context, a *settlement.PayoutAccount) error
}

// Pinger reports store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *settlement.Service
	Registry  Registry
	Scheduler *DeadlineScheduler
	Health    Pinger
}

// NewHandler creates a new handler.
func NewHandler(svc *settlement.Service, registry Registry) *Handler {
	return &Handler{Service: svc, Registry: registry}
}

// =============================================================================
// TIMECARD HANDLERS
// =============================================================================

// PreviewTimecard returns the hours and fee split a submission would produce.
func (h *Handler) PreviewTimecard(w http.ResponseWriter, r *http.Request) {
	if !canSubmit(r.Context()) {
		writeError(w, http.StatusForbidden, "Only workers submit timecards", auth.ErrForbidden)
		return
	}
	in, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}
	preview, err := h.Service.Preview(r.Context(), in)
	if err != nil {
		writeServiceError(w, "Failed to preview timecard", err)
		return
	}
	if !h.ownsContract(r.Context(), preview.Contract) {
		writeError(w, http.StatusForbidden, "Contract belongs to another worker", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(preview))
}

// SubmitTimecard persists a shift report as a submitted timecard.
func (h *Handler) SubmitTimecard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !canSubmit(ctx) {
		writeError(w, http.StatusForbidden, "Only workers submit timecards", auth.ErrForbidden)
		return
	}
	in, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	if id, authed := auth.IdentityFromContext(ctx); authed && id.Role == auth.RoleWorker {
		contract, err := h.Registry.GetContract(ctx, in.ContractID)
		if err != nil {
			writeServiceError(w, "Failed to load contract", err)
			return
		}
		if !h.ownsContract(ctx, contract) {
			writeError(w, http.StatusForbidden, "Contract belongs to another worker", nil)
			return
		}
	}

	tc, err := h.Service.Submit(ctx, in)
	if err != nil {
		writeServiceError(w, "Failed to submit timecard", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimecardDTO(tc))
}

// ListTimecards returns timecards matching the query filters. Authenticated
// payers and workers only see their own.
func (h *Handler) ListTimecards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := settlement.TimecardFilter{
		PayerID:  settlement.PayerID(q.Get("payer_id")),
		WorkerID: settlement.WorkerID(q.Get("worker_id")),
	}
	if s := q.Get("status"); s != "" {
		status, ok := settlement.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", s))
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		switch id.Role {
		case auth.RolePayer:
			filter.PayerID = settlement.PayerID(id.Subject)
		case auth.RoleWorker:
			filter.WorkerID = settlement.WorkerID(id.Subject)
		}
	}

	tcs, err := h.Service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "Failed to list timecards", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimecardDTOs(tcs))
}

// GetTimecard returns one timecard.
func (h *Handler) GetTimecard(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTimecardDTO(tc))
}

// GetTimecardEvents returns a timecard's lifecycle history, oldest first.
func (h *Handler) GetTimecardEvents(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	events, err := h.Service.History(r.Context(), tc.ID)
	if err != nil {
		writeServiceError(w, "Failed to load events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveTimecard records the payer's approval and settles the timecard.
func (h *Handler) ApproveTimecard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := settlement.TimecardID(chi.URLParam(r, "id"))

	var req ApproveRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payer, ok := resolvePayer(ctx, w, req.PayerID)
	if !ok {
		return
	}

	ctx = withOperatorActor(ctx)
	tc, err := h.Service.Approve(ctx, id, payer)
	writeSettlement(w, "Failed to approve timecard", tc, err)
}

// RejectTimecard records the payer's rejection. No payment is executed.
func (h *Handler) RejectTimecard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := settlement.TimecardID(chi.URLParam(r, "id"))

	var req RejectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payer, ok := resolvePayer(ctx, w, req.PayerID)
	if !ok {
		return
	}

	ctx = withOperatorActor(ctx)
	tc, err := h.Service.Reject(ctx, id, payer, req.Reason)
	if err != nil {
		writeServiceError(w, "Failed to reject timecard", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimecardDTO(tc))
}

// RetryPayment re-runs settlement for an approved, unpaid timecard.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id := settlement.TimecardID(chi.URLParam(r, "id"))
	tc, err := h.Service.RetryPayment(r.Context(), id)
	writeSettlement(w, "Failed to retry payment", tc, err)
}

// GetReceipt renders the PDF receipt of a decided timecard.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	data, err := export.BuildReceiptPDF(tc)
	if errors.Is(err, export.ErrNotSettled) {
		writeError(w, http.StatusConflict, "Timecard has not been decided", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render receipt", err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.pdf"`, tc.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListAttention returns timecards an operator should look at.
func (h *Handler) ListAttention(w http.ResponseWriter, r *http.Request) {
	tcs, err := h.Service.NeedsAttention(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to list timecards needing attention", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimecardDTOs(tcs))
}

// =============================================================================
// CONTRACT & READINESS HANDLERS
// =============================================================================

// CreateContract creates or replaces a contract.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WorkerID == "" || req.PayerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id and payer_id are required", nil)
		return
	}
	rate, err := decimal.NewFromString(req.HourlyRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hourly_rate", err)
		return
	}
	if !rate.IsPositive() {
		writeError(w, http.StatusBadRequest, "hourly_rate must be positive", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	c := &settlement.Contract{
		ID:         settlement.ContractID(req.ID),
		WorkerID:   settlement.WorkerID(req.WorkerID),
		PayerID:    settlement.PayerID(req.PayerID),
		HourlyRate: rate,
		Active:     active,
		CreatedAt:  h.Service.Now(),
	}
	if err := h.Registry.SaveContract(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(c))
}

// ListContracts returns all contracts.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Registry.ListContracts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list contracts", err)
		return
	}
	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetContract returns one contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Registry.GetContract(r.Context(), settlement.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, "Failed to get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// SetPaymentMethod records a payer's chargeable instrument.
func (h *Handler) SetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req PaymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required", nil)
		return
	}
	pm := &settlement.PaymentMethod{
		PayerID:   settlement.PayerID(chi.URLParam(r, "id")),
		Reference: req.Reference,
		Active:    req.Active,
		UpdatedAt: h.Service.Now(),
	}
	if err := h.Registry.SavePaymentMethod(r.Context(), pm); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save payment method", err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentMethodDTO{
		PayerID:   string(pm.PayerID),
		Reference: pm.Reference,
		Active:    pm.Active,
	})
}

// SetPayoutAccount records a worker's connected account. Status defaults to
// active.
func (h *Handler) SetPayoutAccount(w http.ResponseWriter, r *http.Request) {
	var req PayoutAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required", nil)
		return
	}
	if req.Status == "" {
		req.Status = settlement.AccountStatusActive
	}
	acct := &settlement.PayoutAccount{
		WorkerID:       settlement.WorkerID(chi.URLParam(r, "id")),
		Reference:      req.Reference,
		ChargesEnabled: req.ChargesEnabled,
		PayoutsEnabled: req.PayoutsEnabled,
		Status:         req.Status,
		UpdatedAt:      h.Service.Now(),
	}
	if err := h.Registry.SavePayoutAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save payout account", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutAccountDTO(acct))
}

// GetPayerStatement renders the payer's decided timecards as a workbook.
func (h *Handler) GetPayerStatement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payer := settlement.PayerID(chi.URLParam(r, "id"))
	if id, ok := auth.IdentityFromContext(ctx); ok && id.Role == auth.RolePayer && id.Subject != string(payer) {
		writeError(w, http.StatusForbidden, "Statement belongs to another payer", nil)
		return
	}

	tcs, err := h.Service.List(ctx, settlement.TimecardFilter{PayerID: payer})
	if err != nil {
		writeServiceError(w, "Failed to list timecards", err)
		return
	}
	data, err := export.BuildStatementXLSX(export.NewStatement(payer, tcs, h.Service.Now()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render statement", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.xlsx"`, payer))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// TriggerSweep runs a deadline sweep immediately and returns its report.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var (
		report settlement.SweepReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Service.SweepDeadlines(r.Context(), settlement.DefaultSweepOptions())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// SweepStatus returns the last sweep report and the next scheduled run.
func (h *Handler) SweepStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, SweepStatusDTO{})
		return
	}
	report, at := h.Scheduler.LastReport()
	dto := SweepStatusDTO{Enabled: h.Scheduler.Enabled}
	if !at.IsZero() {
		last := toSweepReportDTO(report)
		dto.Last = &last
		dto.LastRunAt = formatOptional(&at)
	}
	if h.Scheduler.Enabled {
		next := h.Scheduler.GetNextRunTime()
		dto.NextRunAt = formatOptional(&next)
	}
	writeJSON(w, http.StatusOK, dto)
}

// Healthz reports liveness, including the store when it can be pinged.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decodeSubmission(w http.ResponseWriter, r *http.Request) (settlement.SubmitInput, bool) {
	var req SubmitTimecardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return settlement.SubmitInput{}, false
	}
	if req.ContractID == "" {
		writeError(w, http.StatusBadRequest, "contract_id is required", nil)
		return settlement.SubmitInput{}, false
	}
	date, err := time.Parse(dateLayout, req.ShiftDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid shift_date", err)
		return settlement.SubmitInput{}, false
	}
	return settlement.SubmitInput{
		ContractID: settlement.ContractID(req.ContractID),
		Shift: settlement.ShiftInput{
			ShiftDate:    date,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
			IsOvernight:  req.IsOvernight,
			BreakMinutes: req.BreakMinutes,
		},
		Notes: req.Notes,
	}, true
}

// ownsContract is true unless the caller is an authenticated worker who is
// not the contract's worker.
// canSubmit allows anonymous callers (auth disabled), workers and operators.
func canSubmit(ctx context.Context) bool {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return true
	}
	return id.Role == auth.RoleWorker || id.Role == auth.RoleOperator
}

func (h *Handler) ownsContract(ctx context.Context, c *settlement.Contract) bool {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok || id.Role != auth.RoleWorker {
		return true
	}
	return string(c.WorkerID) == id.Subject
}

// loadVisible fetches the {id} timecard and checks that an authenticated
// payer or worker is a party to it.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request) (*settlement.Timecard, bool) {
	ctx := r.Context()
	tc, err := h.Service.Get(ctx, settlement.TimecardID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, "Failed to get timecard", err)
		return nil, false
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		if (id.Role == auth.RolePayer && string(tc.PayerID) != id.Subject) ||
			(id.Role == auth.RoleWorker && string(tc.WorkerID) != id.Subject) {
			writeError(w, http.StatusForbidden, "Timecard belongs to another party", nil)
			return nil, false
		}
	}
	return tc, true
}

func resolvePayer(ctx context.Context, w http.ResponseWriter, claimed string) (settlement.PayerID, bool) {
	payer, err := auth.PayerFor(ctx, claimed)
	if err != nil {
		writeError(w, http.StatusForbidden, "Payer does not match token", err)
		return "", false
	}
	if payer == "" {
		if id, ok := auth.IdentityFromContext(ctx); ok && id.Role == auth.RoleOperator {
			return "", true
		}
		writeError(w, http.StatusBadRequest, "payer_id is required", nil)
		return "", false
	}
	return settlement.PayerID(payer), true
}

// withOperatorActor records an authenticated operator as the deciding actor.
func withOperatorActor(ctx context.Context) context.Context {
	if id, ok := auth.IdentityFromContext(ctx); ok && id.Role == auth.RoleOperator {
		return settlement.WithActor(ctx, "operator:"+id.Subject)
	}
	return ctx
}

// decodeOptionalJSON decodes a body that may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeSettlement answers approve and retry-payment. A payment failure after
// a recorded approval is 202 with the failure attached.
func writeSettlement(w http.ResponseWriter, message string, tc *settlement.Timecard, err error) {
	var pe *settlement.PaymentError
	if err != nil && errors.As(err, &pe) && tc != nil {
		writeJSON(w, http.StatusAccepted, SettlementResponse{
			Timecard: toTimecardDTO(tc),
			PaymentError: &PaymentErrorDTO{
				Stage:     string(pe.Stage),
				Retryable: pe.Retryable,
				Message:   pe.Error(),
			},
		})
		return
	}
	if err != nil {
		writeServiceError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementResponse{Timecard: toTimecardDTO(tc)})
}

// statusFor maps settlement errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotPayer), errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case settlement.IsNotFound(err):
		return http.StatusNotFound
	case settlement.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrPaymentNotReady):
		return http.StatusUnprocessableEntity
	case settlement.IsConflict(err), errors.Is(err, settlement.ErrDeadlineNotReached):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrPaymentFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, message string, err error) {
	var sve *settlement.ShiftValidationError
	if errors.As(err, &sve) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   fmt.Sprintf("Invalid %s", sve.Field),
			Details: sve.Message,
		})
		return
	}
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
