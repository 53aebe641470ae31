/*
payment.go - PaymentExecutor: one charge, one payout, exactly once

FLOW:
  1. Charge the payer PayerTotalAmount, idempotency key = timecard id
  2. Pay out WorkerNetAmount to the worker, idempotency key = "<id>:payout"

RETRIES:
  Transient failures (gateway marks them retryable, or the bounded call
  timeout fired) are retried with exponential backoff under the SAME key.
  A charge that was already sent cannot be cancelled client-side, so before
  re-sending an ambiguous charge the executor asks the gateway whether the
  key already produced a charge and reuses it.

  Terminal failures (card declined, account closed) stop immediately and
  surface as *PaymentError{Retryable: false}; they need payer action.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PaymentOrder is everything needed to settle one approved timecard.
type PaymentOrder struct {
	TimecardID    TimecardID
	Fees          FeeBreakdown
	PaymentMethod string
	PayoutAccount string
}

// ChargeKey is the idempotency key for the payer charge.
func (o PaymentOrder) ChargeKey() string { return string(o.TimecardID) }

// PayoutKey is the idempotency key for the worker payout.
func (o PaymentOrder) PayoutKey() string { return string(o.TimecardID) + ":payout" }

// PaymentReceipt is a successful settlement.
type PaymentReceipt struct {
	ChargeReference string
	PayoutReference string
	ChargedCents    int64
	PaidOutCents    int64
}

// RetryPolicy bounds automatic retries of transient gateway failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy retries a transient failure up to 3 more times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxAttempts:     4,
	}
}

// DefaultGatewayTimeout bounds a single gateway call.
const DefaultGatewayTimeout = 10 * time.Second

// PaymentExecutor drives the gateway for one timecard at a time.
type PaymentExecutor struct {
	Gateway Gateway
	Timeout time.Duration
	Retry   RetryPolicy
}

// NewPaymentExecutor creates an executor with default timeout and retries.
func NewPaymentExecutor(gw Gateway) *PaymentExecutor {
	return &PaymentExecutor{
		Gateway: gw,
		Timeout: DefaultGatewayTimeout,
		Retry:   DefaultRetryPolicy(),
	}
}

// Execute charges the payer and pays out the worker.
func (pe *PaymentExecutor) Execute(ctx context.Context, order PaymentOrder) (PaymentReceipt, error) {
	if !order.Fees.Reconciles() || !order.Fees.PayerTotalAmount.IsPositive() {
		return PaymentReceipt{}, &PaymentError{
			Stage: StageCharge,
			Err:   fmt.Errorf("%w: fee split does not reconcile", ErrInvalidAmount),
		}
	}

	charge, err := pe.charge(ctx, order)
	if err != nil {
		return PaymentReceipt{}, &PaymentError{Stage: StageCharge, Retryable: isTransient(err), Err: err}
	}

	payout, err := pe.payout(ctx, order, charge)
	if err != nil {
		return PaymentReceipt{}, &PaymentError{Stage: StagePayout, Retryable: isTransient(err), Err: err}
	}

	return PaymentReceipt{
		ChargeReference: charge.Reference,
		PayoutReference: payout.Reference,
		ChargedCents:    charge.AmountCents,
		PaidOutCents:    payout.AmountCents,
	}, nil
}

func (pe *PaymentExecutor) charge(ctx context.Context, order PaymentOrder) (ChargeResult, error) {
	req := ChargeRequest{
		PaymentMethod:  order.PaymentMethod,
		AmountCents:    ToMinorUnits(order.Fees.PayerTotalAmount),
		IdempotencyKey: order.ChargeKey(),
		Description:    fmt.Sprintf("timecard %s", order.TimecardID),
	}

	var (
		result  ChargeResult
		attempt int
	)
	err := pe.retry(ctx, func() error {
		if attempt > 0 {
			// The previous attempt may have reached the gateway.
			if existing, err := pe.lookupCharge(ctx, req.IdempotencyKey); err == nil && existing != nil {
				result = *existing
				return nil
			}
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, pe.timeout())
		defer cancel()

		res, err := pe.Gateway.Charge(callCtx, req)
		if err != nil {
			return classify(err)
		}
		result = res
		return nil
	})
	return result, err
}

func (pe *PaymentExecutor) payout(ctx context.Context, order PaymentOrder, charge ChargeResult) (PayoutResult, error) {
	req := PayoutRequest{
		Destination:    order.PayoutAccount,
		AmountCents:    ToMinorUnits(order.Fees.WorkerNetAmount),
		IdempotencyKey: order.PayoutKey(),
		SourceCharge:   charge.Reference,
		Description:    fmt.Sprintf("timecard %s", order.TimecardID),
	}

	var result PayoutResult
	err := pe.retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, pe.timeout())
		defer cancel()

		res, err := pe.Gateway.Payout(callCtx, req)
		if err != nil {
			return classify(err)
		}
		result = res
		return nil
	})
	return result, err
}

func (pe *PaymentExecutor) lookupCharge(ctx context.Context, key string) (*ChargeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, pe.timeout())
	defer cancel()
	return pe.Gateway.LookupCharge(callCtx, key)
}

func (pe *PaymentExecutor) retry(ctx context.Context, op backoff.Operation) error {
	policy := pe.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	return backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		log.Printf("[Payment] transient gateway error, retrying in %v: %v", wait, err)
	})
}

func (pe *PaymentExecutor) timeout() time.Duration {
	if pe.Timeout <= 0 {
		return DefaultGatewayTimeout
	}
	return pe.Timeout
}

// classify wraps terminal errors so backoff stops retrying.
func classify(err error) error {
	if isTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// isTransient: a retryable gateway error, or a timeout/cancellation whose
// outcome at the gateway is unknown.
func isTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
