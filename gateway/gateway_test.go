package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shift-settlement/gateway"
	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// SANDBOX
// =============================================================================

func TestSandbox_ChargeIsIdempotent(t *testing.T) {
	sb := gateway.NewSandbox()
	ctx := context.Background()
	req := settlement.ChargeRequest{PaymentMethod: "pm_1", AmountCents: 44000, IdempotencyKey: "tc-1"}

	first, err := sb.Charge(ctx, req)
	require.NoError(t, err)
	second, err := sb.Charge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, sb.Charges())
	assert.Equal(t, 2, sb.ChargeCalls())

	found, err := sb.LookupCharge(ctx, "tc-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.Reference, found.Reference)

	missing, err := sb.LookupCharge(ctx, "tc-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSandbox_ScriptedFailuresAndDeclines(t *testing.T) {
	sb := gateway.NewSandbox()
	ctx := context.Background()
	transient := &settlement.GatewayError{Code: "timeout", Retryable: true}
	sb.FailNextCharges(transient)
	sb.Decline("pm_bad")

	_, err := sb.Charge(ctx, settlement.ChargeRequest{PaymentMethod: "pm_1", AmountCents: 100, IdempotencyKey: "a"})
	assert.Same(t, transient, err)

	_, err = sb.Charge(ctx, settlement.ChargeRequest{PaymentMethod: "pm_bad", AmountCents: 100, IdempotencyKey: "b"})
	var ge *settlement.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "card_declined", ge.Code)
	assert.False(t, ge.Retryable)

	_, err = sb.Charge(ctx, settlement.ChargeRequest{PaymentMethod: "pm_1", AmountCents: 100, IdempotencyKey: "a"})
	assert.NoError(t, err)
}

func TestSandbox_PayoutIsIdempotent(t *testing.T) {
	sb := gateway.NewSandbox()
	ctx := context.Background()
	req := settlement.PayoutRequest{Destination: "acct_1", AmountCents: 38000, IdempotencyKey: "tc-1:payout"}

	first, err := sb.Payout(ctx, req)
	require.NoError(t, err)
	second, err := sb.Payout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sb.Payouts())
	assert.Equal(t, int64(38000), sb.PaidOutCents("tc-1:payout"))
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// fakeProvider is a minimal idempotent provider for the HTTP client.
type fakeProvider struct {
	mu        sync.Mutex
	charges   map[string]string
	status    int
	errorBody string
	requests  []*http.Request
	forms     []map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{charges: map[string]string{}}
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	p.requests = append(p.requests, r)
	p.forms = append(p.forms, form)

	w.Header().Set("Content-Type", "application/json")
	if p.status != 0 {
		w.WriteHeader(p.status)
		_, _ = w.Write([]byte(p.errorBody))
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/charges":
		key := r.Header.Get("Idempotency-Key")
		if _, ok := p.charges[key]; !ok {
			p.charges[key] = "ch_" + key
		}
		_, _ = w.Write([]byte(`{"id":"` + p.charges[key] + `","amount":` + form["amount"] + `}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v1/transfers":
		_, _ = w.Write([]byte(`{"id":"tr_1","amount":` + form["amount"] + `}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v1/charges/idempotency/tc-1":
		if ref, ok := p.charges["tc-1"]; ok {
			_, _ = w.Write([]byte(`{"id":"` + ref + `","amount":44000}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"no such charge"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, p *fakeProvider) *gateway.Client {
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	c, err := gateway.NewClient(gateway.ClientConfig{BaseURL: srv.URL, SecretKey: "sk_test", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestClient_ChargeSendsIdempotencyKey(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(t, p)

	res, err := c.Charge(context.Background(), settlement.ChargeRequest{
		PaymentMethod: "pm_1", AmountCents: 44000, IdempotencyKey: "tc-1", Description: "timecard tc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_tc-1", res.Reference)
	assert.Equal(t, int64(44000), res.AmountCents)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.requests, 1)
	assert.Equal(t, "tc-1", p.requests[0].Header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer sk_test", p.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "usd", p.forms[0]["currency"])
	assert.Equal(t, "pm_1", p.forms[0]["payment_method"])
}

func TestClient_PayoutLinksSourceCharge(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(t, p)

	res, err := c.Payout(context.Background(), settlement.PayoutRequest{
		Destination: "acct_1", AmountCents: 38000, IdempotencyKey: "tc-1:payout", SourceCharge: "ch_tc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", res.Reference)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "ch_tc-1", p.forms[0]["source_transaction"])
	assert.Equal(t, "acct_1", p.forms[0]["destination"])
}

func TestClient_LookupCharge(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(t, p)
	ctx := context.Background()

	missing, err := c.LookupCharge(ctx, "tc-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = c.Charge(ctx, settlement.ChargeRequest{PaymentMethod: "pm_1", AmountCents: 44000, IdempotencyKey: "tc-1"})
	require.NoError(t, err)

	found, err := c.LookupCharge(ctx, "tc-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ch_tc-1", found.Reference)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		code      string
		retryable bool
	}{
		{http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`, "card_declined", false},
		{http.StatusBadRequest, `{"error":{"code":"parameter_invalid","message":"bad amount"}}`, "parameter_invalid", false},
		{http.StatusTooManyRequests, `{"error":{"code":"rate_limit","message":"slow down"}}`, "rate_limit", true},
		{http.StatusConflict, `{"error":{"code":"idempotency_key_in_use","message":"in flight"}}`, "idempotency_key_in_use", true},
		{http.StatusBadGateway, `upstream down`, "http_502", true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newFakeProvider()
			p.status = tt.status
			p.errorBody = tt.body
			c := newTestClient(t, p)

			_, err := c.Charge(context.Background(), settlement.ChargeRequest{PaymentMethod: "pm_1", AmountCents: 1, IdempotencyKey: "k"})
			var ge *settlement.GatewayError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Equal(t, tt.code, ge.Code)
			assert.Equal(t, tt.retryable, ge.Retryable)
			assert.Equal(t, tt.retryable, settlement.IsRetryable(err))
		})
	}
}

func TestClient_RequiresBaseURL(t *testing.T) {
	_, err := gateway.NewClient(gateway.ClientConfig{})
	assert.Error(t, err)
}
