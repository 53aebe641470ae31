package settlement

import "context"

// =============================================================================
// GATEWAY - Stripe-Connect-like payment provider boundary
// =============================================================================

// ChargeRequest debits the payer's payment method.
type ChargeRequest struct {
	PaymentMethod  string
	AmountCents    int64
	IdempotencyKey string
	Description    string
}

// PayoutRequest credits the worker's connected account.
type PayoutRequest struct {
	Destination    string
	AmountCents    int64
	IdempotencyKey string
	SourceCharge   string
	Description    string
}

// ChargeResult is the gateway's record of a charge.
type ChargeResult struct {
	Reference      string
	AmountCents    int64
	IdempotencyKey string
}

// PayoutResult is the gateway's record of a payout.
type PayoutResult struct {
	Reference   string
	AmountCents int64
}

// Gateway is the external payment provider. Implementations return
// *GatewayError for provider-side refusals and failures so the executor can
// tell transient from terminal outcomes.
type Gateway interface {
	// Charge is idempotent per IdempotencyKey: replaying a key returns the
	// original result and never charges twice.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)

	// Payout is idempotent per IdempotencyKey.
	Payout(ctx context.Context, req PayoutRequest) (PayoutResult, error)

	// LookupCharge re-queries the outcome of a charge by idempotency key.
	// Returns (nil, nil) when the gateway never recorded it.
	LookupCharge(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}
