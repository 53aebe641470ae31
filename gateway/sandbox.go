/*
Package gateway provides settlement.Gateway implementations.

  - Sandbox: deterministic in-process gateway for tests, demos and dev
  - Client:  HTTP client for a Stripe-Connect-like payments API

Both honor idempotency keys: replaying a key returns the original result and
never moves money twice.
*/
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// SANDBOX GATEWAY
// =============================================================================

// Sandbox records charges and payouts in memory. Failures can be scripted
// per call so retry and recovery paths can be exercised.
type Sandbox struct {
	mu sync.Mutex

	charges map[string]settlement.ChargeResult
	payouts map[string]settlement.PayoutResult

	chargeFailures []error
	payoutFailures []error

	// Declined payment methods fail every charge with a terminal error.
	declined map[string]bool

	chargeCalls int
	payoutCalls int
	seq         int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:  make(map[string]settlement.ChargeResult),
		payouts:  make(map[string]settlement.PayoutResult),
		declined: make(map[string]bool),
	}
}

// FailNextCharges makes the next len(errs) charge calls return errs in order.
func (s *Sandbox) FailNextCharges(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeFailures = append(s.chargeFailures, errs...)
}

// FailNextPayouts makes the next len(errs) payout calls return errs in order.
func (s *Sandbox) FailNextPayouts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutFailures = append(s.payoutFailures, errs...)
}

// Decline makes every charge against paymentMethod fail terminally.
func (s *Sandbox) Decline(paymentMethod string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[paymentMethod] = true
}

func (s *Sandbox) Charge(ctx context.Context, req settlement.ChargeRequest) (settlement.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return settlement.ChargeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chargeCalls++
	if existing, ok := s.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}
	if len(s.chargeFailures) > 0 {
		err := s.chargeFailures[0]
		s.chargeFailures = s.chargeFailures[1:]
		return settlement.ChargeResult{}, err
	}
	if s.declined[req.PaymentMethod] {
		return settlement.ChargeResult{}, &settlement.GatewayError{Code: "card_declined", Message: "payment method declined"}
	}
	if req.AmountCents <= 0 {
		return settlement.ChargeResult{}, &settlement.GatewayError{Code: "amount_invalid", Message: "amount must be positive"}
	}

	s.seq++
	res := settlement.ChargeResult{
		Reference:      fmt.Sprintf("ch_sandbox_%06d", s.seq),
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
	}
	s.charges[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) Payout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	if err := ctx.Err(); err != nil {
		return settlement.PayoutResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payoutCalls++
	if existing, ok := s.payouts[req.IdempotencyKey]; ok {
		return existing, nil
	}
	if len(s.payoutFailures) > 0 {
		err := s.payoutFailures[0]
		s.payoutFailures = s.payoutFailures[1:]
		return settlement.PayoutResult{}, err
	}
	if req.AmountCents < 0 {
		return settlement.PayoutResult{}, &settlement.GatewayError{Code: "amount_invalid", Message: "amount must not be negative"}
	}

	s.seq++
	res := settlement.PayoutResult{
		Reference:   fmt.Sprintf("tr_sandbox_%06d", s.seq),
		AmountCents: req.AmountCents,
	}
	s.payouts[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) LookupCharge(ctx context.Context, key string) (*settlement.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.charges[key]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

// RecordCharge stores a charge as if an earlier, lost response had
// succeeded at the provider.
func (s *Sandbox) RecordCharge(key string, amountCents int64) settlement.ChargeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	res := settlement.ChargeResult{
		Reference:      fmt.Sprintf("ch_sandbox_%06d", s.seq),
		AmountCents:    amountCents,
		IdempotencyKey: key,
	}
	s.charges[key] = res
	return res
}

// Charges returns the number of distinct charges recorded.
func (s *Sandbox) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}

// Payouts returns the number of distinct payouts recorded.
func (s *Sandbox) Payouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payouts)
}

// ChargeCalls returns how many times Charge was invoked, replays included.
func (s *Sandbox) ChargeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeCalls
}

// PayoutCalls returns how many times Payout was invoked, replays included.
func (s *Sandbox) PayoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payoutCalls
}

// ChargedCents returns the amount charged under key, or 0.
func (s *Sandbox) ChargedCents(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charges[key].AmountCents
}

// PaidOutCents returns the amount paid out under key, or 0.
func (s *Sandbox) PaidOutCents(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payouts[key].AmountCents
}

var _ settlement.Gateway = (*Sandbox)(nil)
