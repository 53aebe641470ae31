/*
handlers_test.go - HTTP tests for the settlement API

Tests run the full router against an in-memory SQLite store and the sandbox
gateway, with a fixed clock:
- Submission, preview and validation
- Approval, settlement, rejection and retries
- Readiness refusal, wrong payer, double decisions
- Sweeps, documents, metrics and authentication
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-settlement/auth"
	"github.com/warp/shift-settlement/gateway"
	"github.com/warp/shift-settlement/settlement"
	"github.com/warp/shift-settlement/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiFixture struct {
	t       *testing.T
	store   *sqlite.Store
	gw      *gateway.Sandbox
	svc     *settlement.Service
	clock   *testClock
	handler *Handler
	router  http.Handler
}

func newAPIFixture(t *testing.T, secret []byte) *apiFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sb := gateway.NewSandbox()
	executor := settlement.NewPaymentExecutor(sb)
	executor.Timeout = time.Second
	executor.Retry = settlement.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: 3}

	clock := &testClock{now: time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)}
	svc := settlement.NewService(store, store, store, store, executor)
	svc.Now = clock.Now

	metrics := NewMetrics(prometheus.NewRegistry())
	svc.Observer = metrics

	h := NewHandler(svc, store)
	h.Health = store
	h.Scheduler = NewDeadlineScheduler(svc)

	opts := RouterOptions{Metrics: metrics}
	if secret != nil {
		opts.Auth = auth.NewMiddleware(secret, auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))
	}

	return &apiFixture{
		t:       t,
		store:   store,
		gw:      sb,
		svc:     svc,
		clock:   clock,
		handler: h,
		router:  NewRouter(h, opts),
	}
}

func (f *apiFixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedReady creates contract c-1 ($50/h, w-1 for p-1) with both sides ready
// to transact, through the API.
func (f *apiFixture) seedReady(token string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/contracts", CreateContractRequest{
		ID: "c-1", WorkerID: "w-1", PayerID: "p-1", HourlyRate: "50",
	}, token)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPut, "/api/payers/p-1/payment-method", PaymentMethodRequest{Reference: "pm_1", Active: true}, token)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())

	f.setPayout(true, token)
}

func (f *apiFixture) setPayout(chargesEnabled bool, token string) {
	f.t.Helper()
	rec := f.do(http.MethodPut, "/api/workers/w-1/payout-account", PayoutAccountRequest{
		Reference: "acct_1", ChargesEnabled: chargesEnabled, PayoutsEnabled: true,
	}, token)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
}

func dayShift() SubmitTimecardRequest {
	return SubmitTimecardRequest{
		ContractID:   "c-1",
		ShiftDate:    "2025-03-10",
		StartTime:    "09:00",
		EndTime:      "17:30",
		BreakMinutes: 30,
	}
}

func (f *apiFixture) submit(token string) TimecardDTO {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/timecards", dayShift(), token)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TimecardDTO](f.t, rec)
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmitTimecard_PersistsWithoutFees(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")

	tc := f.submit("")

	assert.Equal(t, "submitted", tc.Status)
	assert.Equal(t, "8.00", tc.TotalHours)
	assert.Equal(t, "50.00", tc.HourlyRate)
	assert.Nil(t, tc.Fees)
	assert.Equal(t, "2025-03-14T09:00:00Z", tc.ApprovalDeadline)

	rec := f.do(http.MethodGet, "/api/timecards/"+tc.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tc.ID, decode[TimecardDTO](t, rec).ID)
}

func TestPreviewTimecard_OvernightRoundsOutward(t *testing.T) {
	// GIVEN: A 22:07 to 06:50 overnight shift with a 30 minute break
	f := newAPIFixture(t, nil)
	f.seedReady("")

	// WHEN: Previewing it
	rec := f.do(http.MethodPost, "/api/timecards/preview", SubmitTimecardRequest{
		ContractID: "c-1", ShiftDate: "2025-03-10", StartTime: "22:07", EndTime: "06:50",
		IsOvernight: true, BreakMinutes: 30,
	}, "")

	// THEN: Hours are 8.50 and nothing was persisted
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[PreviewDTO](t, rec)
	assert.Equal(t, "8.50", p.TotalHours)
	assert.Equal(t, "2025-03-10T22:00:00Z", p.RoundedStart)
	assert.Equal(t, "2025-03-11T07:00:00Z", p.RoundedEnd)
	assert.Equal(t, "425.00", p.Fees.GrossAmount)

	list := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, ""))
	assert.Empty(t, list)
}

func TestSubmitTimecard_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", "not an object", http.StatusBadRequest},
		{"missing contract", SubmitTimecardRequest{ShiftDate: "2025-03-10", StartTime: "09:00", EndTime: "17:00"}, http.StatusBadRequest},
		{"bad date", SubmitTimecardRequest{ContractID: "c-1", ShiftDate: "10/03/2025", StartTime: "09:00", EndTime: "17:00"}, http.StatusBadRequest},
		{"end before start", SubmitTimecardRequest{ContractID: "c-1", ShiftDate: "2025-03-10", StartTime: "17:00", EndTime: "09:00"}, http.StatusBadRequest},
		{"break too long", SubmitTimecardRequest{ContractID: "c-1", ShiftDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00", BreakMinutes: 90}, http.StatusBadRequest},
		{"unknown contract", SubmitTimecardRequest{ContractID: "nope", ShiftDate: "2025-03-10", StartTime: "09:00", EndTime: "17:00"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/timecards", tt.body, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	list := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, ""))
	assert.Empty(t, list)
}

func TestListTimecards_Filters(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	first := f.submit("")
	f.submit("")

	rec := f.do(http.MethodPost, "/api/timecards/"+first.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	paid := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards?status=paid", nil, ""))
	require.Len(t, paid, 1)
	assert.Equal(t, first.ID, paid[0].ID)

	limited := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards?payer_id=p-1&limit=1", nil, ""))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/timecards?status=pending", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/timecards?limit=-1", nil, "").Code)
}

// =============================================================================
// DECISIONS & SETTLEMENT
// =============================================================================

func TestApproveTimecard_SettlesExampleA(t *testing.T) {
	// GIVEN: An 8 hour shift at $50/h with both sides ready
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	// WHEN: The payer approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "")

	// THEN: The timecard is paid with the canonical split
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SettlementResponse](t, rec)
	assert.Nil(t, resp.PaymentError)
	got := resp.Timecard
	assert.Equal(t, "paid", got.Status)
	require.NotNil(t, got.Fees)
	assert.Equal(t, "400.00", got.Fees.GrossAmount)
	assert.Equal(t, "20.00", got.Fees.WorkerFee)
	assert.Equal(t, "380.00", got.Fees.WorkerNetAmount)
	assert.Equal(t, "440.00", got.Fees.PayerTotalAmount)
	assert.Equal(t, "60.00", got.Fees.PlatformFeeTotal)
	assert.NotEmpty(t, got.PaymentReference)
	assert.NotEmpty(t, got.PayoutReference)
	assert.Equal(t, "p-1", got.DecidedBy)

	assert.Equal(t, int64(44000), f.gw.ChargedCents(tc.ID))
	assert.Equal(t, int64(38000), f.gw.PaidOutCents(tc.ID+":payout"))

	events := decode[[]EventDTO](t, f.do(http.MethodGet, "/api/timecards/"+tc.ID+"/events", nil, ""))
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"submitted", "approved", "paid"}, types)
}

func TestApproveTimecard_ChargesDisabledIsRefused(t *testing.T) {
	// GIVEN: The worker's payout account has charges disabled
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	f.setPayout(false, "")

	// WHEN: The payer approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "")

	// THEN: 422, and the timecard is untouched
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	got := decode[TimecardDTO](t, f.do(http.MethodGet, "/api/timecards/"+tc.ID, nil, ""))
	assert.Equal(t, "submitted", got.Status)
	assert.Nil(t, got.Fees)
	assert.Nil(t, got.DecidedAt)
	assert.Equal(t, tc.Version, got.Version)
	assert.Zero(t, f.gw.ChargeCalls())
}

func TestApproveTimecard_WrongPayerAndMissingPayer(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-2"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/timecards/missing/approve", ApproveRequest{PayerID: "p-1"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveTimecard_SecondDecisionConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/reject", RejectRequest{PayerID: "p-1", Reason: "late"}, "").Code)
	assert.Equal(t, 1, f.gw.Charges())
}

func TestRejectTimecard(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/reject", RejectRequest{PayerID: "p-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/reject", RejectRequest{PayerID: "p-1", Reason: "Shift did not happen"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[TimecardDTO](t, rec)
	assert.Equal(t, "rejected", got.Status)
	assert.Equal(t, "Shift did not happen", got.RejectionReason)
	assert.Nil(t, got.Fees)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)
	assert.Zero(t, f.gw.ChargeCalls())
}

func TestApproveTimecard_PaymentFailureThenRetry(t *testing.T) {
	// GIVEN: The gateway times out on every attempt of the first approval
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	transient := &settlement.GatewayError{Code: "timeout", Message: "upstream timeout", Retryable: true}
	f.gw.FailNextCharges(transient, transient, transient)

	// WHEN: The payer approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "")

	// THEN: 202, the approval stands and the failure is reported
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[SettlementResponse](t, rec)
	require.NotNil(t, resp.PaymentError)
	assert.Equal(t, "charge", resp.PaymentError.Stage)
	assert.True(t, resp.PaymentError.Retryable)
	assert.Equal(t, "approved", resp.Timecard.Status)
	assert.Equal(t, "440.00", resp.Timecard.Fees.PayerTotalAmount)

	attention := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/attention", nil, ""))
	require.Len(t, attention, 1)
	assert.Equal(t, tc.ID, attention[0].ID)

	// WHEN: An operator retries
	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/retry-payment", nil, "")

	// THEN: The same fees are charged once
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	retried := decode[SettlementResponse](t, rec)
	assert.Equal(t, "paid", retried.Timecard.Status)
	assert.Equal(t, *resp.Timecard.Fees, *retried.Timecard.Fees)
	assert.Equal(t, 1, f.gw.Charges())
	assert.Empty(t, decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/attention", nil, "")))
}

func TestRetryPayment_SubmittedConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/retry-payment", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestTriggerSweep_AutoApprovesPastDeadline(t *testing.T) {
	// GIVEN: A submitted timecard whose deadline passed without a decision
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	f.clock.Advance(72*time.Hour + time.Second)

	// WHEN: An operator triggers a sweep
	rec := f.do(http.MethodPost, "/api/admin/sweep", nil, "")

	// THEN: It is auto-approved and paid
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[SweepReportDTO](t, rec)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.AutoApproved)
	assert.Equal(t, 1, report.Paid)

	got := decode[TimecardDTO](t, f.do(http.MethodGet, "/api/timecards/"+tc.ID, nil, ""))
	assert.Equal(t, "paid", got.Status)
	assert.Equal(t, settlement.ActorScheduler, got.DecidedBy)

	status := decode[SweepStatusDTO](t, f.do(http.MethodGet, "/api/admin/sweep", nil, ""))
	require.NotNil(t, status.Last)
	assert.Equal(t, 1, status.Last.AutoApproved)
	assert.NotNil(t, status.LastRunAt)
}

func TestTriggerSweep_ExactlyAtDeadlineIsNotDue(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	f.submit("")
	f.clock.Advance(72 * time.Hour)

	report := decode[SweepReportDTO](t, f.do(http.MethodPost, "/api/admin/sweep", nil, ""))
	assert.Zero(t, report.Due)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestGetReceipt(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")

	rec := f.do(http.MethodGet, "/api/timecards/"+tc.ID+"/receipt.pdf", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)

	rec = f.do(http.MethodGet, "/api/timecards/"+tc.ID+"/receipt.pdf", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
}

func TestGetPayerStatement(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)

	rec := f.do(http.MethodGet, "/api/payers/p-1/statement.xlsx", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestContracts(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/contracts", CreateContractRequest{WorkerID: "w-9", PayerID: "p-9", HourlyRate: "0"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/api/contracts", CreateContractRequest{WorkerID: "w-9", PayerID: "p-9", HourlyRate: "abc"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	inactive := false
	rec = f.do(http.MethodPost, "/api/contracts", CreateContractRequest{WorkerID: "w-9", PayerID: "p-9", HourlyRate: "17.33", Active: &inactive}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[ContractDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "17.33", created.HourlyRate)
	assert.False(t, created.Active)

	got := decode[ContractDTO](t, f.do(http.MethodGet, "/api/contracts/"+created.ID, nil, ""))
	assert.Equal(t, created.ID, got.ID)
	assert.Len(t, decode[[]ContractDTO](t, f.do(http.MethodGet, "/api/contracts", nil, "")), 1)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/contracts/missing", nil, "").Code)

	// Inactive contracts refuse submissions
	rec = f.do(http.MethodPost, "/api/timecards", SubmitTimecardRequest{
		ContractID: created.ID, ShiftDate: "2025-03-10", StartTime: "09:00", EndTime: "17:00",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthzAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-1"}, "").Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil, "").Code)

	rec := f.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `settlement_payments_total{outcome="success"} 1`)
	assert.Contains(t, body, `settlement_transitions_total{from="submitted",to="approved"} 1`)
	assert.Contains(t, body, `settlement_transitions_total{from="approved",to="paid"} 1`)
}

func TestHealthz_StoreDown(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.store.Close())

	rec := f.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_RolesAndIdentity(t *testing.T) {
	secret := []byte("test-secret")
	f := newAPIFixture(t, secret)
	token := func(subject string, role auth.Role) string {
		tok, err := auth.Sign(secret, subject, role, time.Hour)
		require.NoError(t, err)
		return tok
	}
	operator := token("ops", auth.RoleOperator)
	worker := token("w-1", auth.RoleWorker)
	otherWorker := token("w-2", auth.RoleWorker)
	payer := token("p-1", auth.RolePayer)
	otherPayer := token("p-2", auth.RolePayer)

	f.seedReady(operator)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/timecards", dayShift(), "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/timecards", dayShift(), otherWorker).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/timecards", dayShift(), payer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/timecards/", dayShift(), payer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/timecards/", dayShift(), otherPayer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/timecards/preview/", dayShift(), payer).Code)
	assert.Empty(t, decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, operator)))

	tc := f.submit(worker)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/timecards/"+tc.ID, nil, otherPayer).Code)
	assert.Empty(t, decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, otherPayer)))
	assert.Len(t, decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, payer)), 1)

	// Payers act as themselves; a claimed id for someone else is refused.
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "p-2"}, payer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", nil, otherPayer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", nil, worker)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", nil, payer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decode[SettlementResponse](t, rec).Timecard.Status)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/admin/sweep", nil, payer).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/admin/sweep", nil, operator).Code)
}

func TestAuth_OperatorDecisionIsAttributed(t *testing.T) {
	// GIVEN: An operator token and no payer_id in the body
	secret := []byte("test-secret")
	f := newAPIFixture(t, secret)
	operator, err := auth.Sign(secret, "ops", auth.RoleOperator, time.Hour)
	require.NoError(t, err)
	worker, err := auth.Sign(secret, "w-1", auth.RoleWorker, time.Hour)
	require.NoError(t, err)
	f.seedReady(operator)
	tc := f.submit(worker)

	// WHEN: The operator approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", nil, operator)

	// THEN: The audit trail names the operator
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "operator:ops", decode[SettlementResponse](t, rec).Timecard.DecidedBy)

	events := decode[[]EventDTO](t, f.do(http.MethodGet, "/api/timecards/"+tc.ID+"/events", nil, operator))
	var actors []string
	for _, e := range events {
		if e.Type == "approved" {
			actors = append(actors, e.Actor)
		}
	}
	assert.Equal(t, []string{"operator:ops"}, actors)
}

func TestSubmitTimecard_PayerIdentityIsRefused(t *testing.T) {
	// GIVEN: A request that reached the handler carrying a payer identity
	f := newAPIFixture(t, nil)
	f.seedReady("")

	for _, handle := range []http.HandlerFunc{f.handler.SubmitTimecard, f.handler.PreviewTimecard} {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(dayShift()))
		req := httptest.NewRequest(http.MethodPost, "/api/timecards/", &buf)
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{Subject: "p-1", Role: auth.RolePayer}))
		rec := httptest.NewRecorder()

		// WHEN: The handler runs
		handle(rec, req)

		// THEN: It refuses on its own, and nothing is persisted
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	}
	assert.Empty(t, decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/timecards", nil, "")))
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestDeadlineScheduler_StartRunsImmediately(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedReady("")
	tc := f.submit("")
	f.clock.Advance(73 * time.Hour)

	s := f.handler.Scheduler
	s.CheckInterval = time.Hour
	s.Start()

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), settlement.TimecardID(tc.ID))
		return err == nil && got.Status == settlement.StatusPaid
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	report, at := s.LastReport()
	assert.Equal(t, 1, report.Paid)
	assert.False(t, at.IsZero())
}

func TestDeadlineScheduler_DisabledDoesNotStart(t *testing.T) {
	f := newAPIFixture(t, nil)
	s := f.handler.Scheduler
	s.Enabled = false
	s.Start()
	s.Stop()

	_, at := s.LastReport()
	assert.True(t, at.IsZero())

	status := decode[SweepStatusDTO](t, f.do(http.MethodGet, "/api/admin/sweep", nil, ""))
	assert.False(t, status.Enabled)
	assert.Nil(t, status.NextRunAt)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&settlement.ShiftValidationError{Field: "end_time", Message: "before start"}, http.StatusBadRequest},
		{settlement.ErrNotPayer, http.StatusForbidden},
		{settlement.ErrTimecardNotFound, http.StatusNotFound},
		{&settlement.TransitionError{From: settlement.StatusPaid, To: settlement.StatusApproved}, http.StatusConflict},
		{settlement.ErrConcurrentModification, http.StatusConflict},
		{&settlement.ReadinessError{Reason: "no card"}, http.StatusUnprocessableEntity},
		{&settlement.PaymentError{Stage: settlement.StageCharge, Err: settlement.ErrPaymentFailed}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
