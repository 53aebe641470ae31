/*
service.go - Settlement orchestration

PURPOSE:
  Ties the pure pieces (NormalizeShift, CalculateFees, the lifecycle
  functions) to storage, the payment gateway and notifications.

SETTLEMENT FLOW:
  ┌────────┐   ┌─────────────┐   ┌──────────────────┐   ┌──────────────┐
  │ Submit │──▶│ submitted   │──▶│ approved /       │──▶│ Execute      │──▶ paid
  └────────┘   │ (no money)  │   │ auto_approved    │   │ charge+payout│
               └─────────────┘   │ fees persisted   │   └──────────────┘
                                 └──────────────────┘          │ failure
                                                               ▼
                                                     stays approved, attempt
                                                     recorded, payment_failed

TWO-PHASE SETTLE:
  The approval write (with the authoritative fee split) is committed BEFORE
  the gateway is called. A crash in between leaves an approved, unpaid
  timecard that RetryPayment or the sweep's recovery pass picks up; the
  gateway's idempotency key (the timecard id) prevents a double charge.

CONCURRENCY:
  Every write is a compare-and-set on the (status, version) that was read.
  In addition, work on a single timecard is serialized in-process by a
  per-record lock shared by HTTP requests and deadline sweeps.

EXAMPLE:
  svc := settlement.NewService(store, store, store, store, executor)
  tc, err := svc.Submit(ctx, settlement.SubmitInput{ContractID: "c-1", Shift: shift})
  tc, err = svc.Approve(ctx, tc.ID, tc.PayerID)
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGracePeriod is how long a payer has to decide before auto-approval.
const DefaultGracePeriod = 72 * time.Hour

// Service runs the timecard lifecycle.
type Service struct {
	Store     Store
	Events    EventLog
	Contracts ContractSource
	Accounts  AccountDirectory
	Executor  *PaymentExecutor
	Notifier  Notifier
	Observer  Observer

	GracePeriod time.Duration

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string

	lockOnce sync.Once
	locks    *recordLocks
}

// NewService creates a service with default grace period, clock and ids.
func NewService(store Store, events EventLog, contracts ContractSource, accounts AccountDirectory, executor *PaymentExecutor) *Service {
	return &Service{
		Store:       store,
		Events:      events,
		Contracts:   contracts,
		Accounts:    accounts,
		Executor:    executor,
		Notifier:    NopNotifier{},
		Observer:    NopObserver{},
		GracePeriod: DefaultGracePeriod,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitInput is a worker's shift report against a contract.
type SubmitInput struct {
	ContractID ContractID
	Shift      ShiftInput
	Notes      string
}

// Preview is the non-committing view shown before submission.
type Preview struct {
	Contract *Contract
	Shift    NormalizedShift
	Fees     FeeBreakdown
}

// Preview computes hours and money without persisting anything.
func (s *Service) Preview(ctx context.Context, in SubmitInput) (*Preview, error) {
	contract, shift, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	fees, err := CalculateFees(contract.HourlyRate, shift.TotalHours)
	if err != nil {
		return nil, err
	}
	return &Preview{Contract: contract, Shift: shift, Fees: fees}, nil
}

// Submit validates a shift report and persists it as a submitted timecard.
// Nothing is written when validation fails.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Timecard, error) {
	contract, shift, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if !shift.TotalHours.IsPositive() {
		return nil, ErrNoBillableHours
	}

	now := s.Now()
	tc := &Timecard{
		ID:               TimecardID(s.NewID()),
		ContractID:       contract.ID,
		WorkerID:         contract.WorkerID,
		PayerID:          contract.PayerID,
		HourlyRate:       contract.HourlyRate,
		ShiftDate:        in.Shift.ShiftDate,
		StartTime:        shift.StartTime,
		EndTime:          shift.EndTime,
		IsOvernight:      in.Shift.IsOvernight,
		BreakMinutes:     in.Shift.BreakMinutes,
		RoundedStart:     shift.RoundedStart,
		RoundedEnd:       shift.RoundedEnd,
		TotalHours:       shift.TotalHours,
		Status:           StatusSubmitted,
		SubmittedAt:      now,
		ApprovalDeadline: now.Add(s.gracePeriod()),
		Notes:            in.Notes,
	}

	if err := s.Store.CreateTimecard(ctx, tc); err != nil {
		return nil, fmt.Errorf("failed to save timecard: %w", err)
	}

	s.emit(ctx, tc, EventSubmitted, "", string(tc.WorkerID))
	return tc, nil
}

func (s *Service) prepare(ctx context.Context, in SubmitInput) (*Contract, NormalizedShift, error) {
	if in.ContractID == "" {
		return nil, NormalizedShift{}, &ShiftValidationError{Field: "contract_id", Message: "required"}
	}
	shift, err := NormalizeShift(in.Shift)
	if err != nil {
		return nil, NormalizedShift{}, err
	}
	contract, err := s.Contracts.GetContract(ctx, in.ContractID)
	if err != nil {
		return nil, NormalizedShift{}, err
	}
	if !contract.Active {
		return nil, NormalizedShift{}, ErrContractInactive
	}
	if contract.HourlyRate.IsNegative() {
		return nil, NormalizedShift{}, ErrInvalidAmount
	}
	return contract, shift, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a timecard by id.
func (s *Service) Get(ctx context.Context, id TimecardID) (*Timecard, error) {
	return s.Store.GetTimecard(ctx, id)
}

// List returns timecards matching the filter.
func (s *Service) List(ctx context.Context, filter TimecardFilter) ([]*Timecard, error) {
	return s.Store.ListTimecards(ctx, filter)
}

// History returns the lifecycle events of a timecard.
func (s *Service) History(ctx context.Context, id TimecardID) ([]Event, error) {
	if _, err := s.Store.GetTimecard(ctx, id); err != nil {
		return nil, err
	}
	if s.Events == nil {
		return nil, nil
	}
	return s.Events.ListEvents(ctx, id)
}

// NeedsAttention returns timecards stuck behind a failing guard or payment.
func (s *Service) NeedsAttention(ctx context.Context) ([]*Timecard, error) {
	return s.Store.ListNeedingAttention(ctx)
}

// =============================================================================
// DECISIONS
// =============================================================================

type actorKey struct{}

// WithActor names who is acting when a decision is made on someone's behalf,
// e.g. an operator approving without a payer id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// decisionActor is the payer when one was named, otherwise the actor on ctx.
func decisionActor(ctx context.Context, payerID PayerID) string {
	if payerID != "" {
		return string(payerID)
	}
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return ActorOperator
}

// Approve is the payer's explicit approval followed by settlement. An empty
// payerID skips the payer check; DecidedBy then records the actor from
// WithActor.
//
// The approval is refused, with nothing written, unless the payer has an
// active payment method and the worker's payout account is ready. When the
// approval succeeds but payment fails, the approved timecard is returned
// together with a *PaymentError.
func (s *Service) Approve(ctx context.Context, id TimecardID, payerID PayerID) (*Timecard, error) {
	unlock := s.lockTable().Lock(id)
	defer unlock()

	tc, err := s.Store.GetTimecard(ctx, id)
	if err != nil {
		return nil, err
	}
	if payerID != "" && tc.PayerID != payerID {
		return nil, ErrNotPayer
	}
	if !tc.Status.CanTransitionTo(StatusApproved) {
		return nil, &TransitionError{ID: tc.ID, From: tc.Status, To: StatusApproved}
	}

	order, err := s.readiness(ctx, tc)
	if err != nil {
		return nil, err
	}

	approved, err := s.approve(ctx, tc, StatusApproved, decisionActor(ctx, payerID))
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, approved, order)
}

// Reject is the payer's explicit rejection. No payment is ever executed.
func (s *Service) Reject(ctx context.Context, id TimecardID, payerID PayerID, reason string) (*Timecard, error) {
	unlock := s.lockTable().Lock(id)
	defer unlock()

	tc, err := s.Store.GetTimecard(ctx, id)
	if err != nil {
		return nil, err
	}
	if payerID != "" && tc.PayerID != payerID {
		return nil, ErrNotPayer
	}

	next := tc.Clone()
	if err := ApplyRejection(next, reason, decisionActor(ctx, payerID), s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateTimecard(ctx, next, tc.Status, tc.Version); err != nil {
		return nil, err
	}

	s.observer().TransitionApplied(tc.Status, next.Status)
	s.emit(ctx, next, EventRejected, next.RejectionReason, next.DecidedBy)
	return next, nil
}

// AutoApprove approves a past-deadline submitted timecard on behalf of the
// scheduler and settles it. When the readiness guard fails the timecard is
// flagged for follow-up and stays submitted; the returned error wraps
// ErrPaymentNotReady. Returns ErrBusy when another caller holds the record.
func (s *Service) AutoApprove(ctx context.Context, id TimecardID) (*Timecard, error) {
	unlock, ok := s.lockTable().TryLock(id)
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	tc, err := s.Store.GetTimecard(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tc.Status.CanTransitionTo(StatusAutoApproved) {
		return nil, &TransitionError{ID: tc.ID, From: tc.Status, To: StatusAutoApproved}
	}
	now := s.Now()
	if !now.After(tc.ApprovalDeadline) {
		return nil, ErrDeadlineNotReached
	}

	order, err := s.readiness(ctx, tc)
	if err != nil {
		var re *ReadinessError
		if !errors.As(err, &re) {
			return nil, err
		}
		return s.flag(ctx, tc, re, now)
	}

	approved, err := s.approve(ctx, tc, StatusAutoApproved, ActorScheduler)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, approved, order)
}

// RetryPayment re-runs the payment for an approved, unpaid timecard. The
// same idempotency keys are used, so a charge that already went through is
// returned by the gateway instead of being repeated.
func (s *Service) RetryPayment(ctx context.Context, id TimecardID) (*Timecard, error) {
	unlock := s.lockTable().Lock(id)
	defer unlock()
	return s.retryPayment(ctx, id)
}

func (s *Service) tryRetryPayment(ctx context.Context, id TimecardID) (*Timecard, error) {
	unlock, ok := s.lockTable().TryLock(id)
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()
	return s.retryPayment(ctx, id)
}

func (s *Service) retryPayment(ctx context.Context, id TimecardID) (*Timecard, error) {
	tc, err := s.Store.GetTimecard(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tc.Status.IsApproved() || tc.Fees == nil {
		return nil, &TransitionError{ID: tc.ID, From: tc.Status, To: StatusPaid}
	}
	order, err := s.readiness(ctx, tc)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, tc, order)
}

// =============================================================================
// INTERNALS
// =============================================================================

// approve persists the approval together with the authoritative fee split.
func (s *Service) approve(ctx context.Context, tc *Timecard, to Status, actor string) (*Timecard, error) {
	fees, err := CalculateFees(tc.HourlyRate, tc.TotalHours)
	if err != nil {
		return nil, err
	}

	next := tc.Clone()
	if err := ApplyApproval(next, to, fees, actor, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateTimecard(ctx, next, tc.Status, tc.Version); err != nil {
		return nil, err
	}

	s.observer().TransitionApplied(tc.Status, to)
	eventType := EventApproved
	if to == StatusAutoApproved {
		eventType = EventAutoApproved
	}
	s.emit(ctx, next, eventType, "", actor)
	return next, nil
}

// settle executes the payment for an approved timecard and records the outcome.
func (s *Service) settle(ctx context.Context, tc *Timecard, order PaymentOrder) (*Timecard, error) {
	order.Fees = *tc.Fees

	started := time.Now()
	receipt, payErr := s.Executor.Execute(ctx, order)
	elapsed := time.Since(started)

	// The outcome must be recorded even if the caller went away.
	writeCtx := context.WithoutCancel(ctx)

	if payErr != nil {
		s.observer().PaymentFinished(paymentOutcome(payErr), elapsed)
		next := tc.Clone()
		if err := RecordPaymentFailure(next, payErr); err != nil {
			return tc, err
		}
		if err := s.Store.UpdateTimecard(writeCtx, next, tc.Status, tc.Version); err != nil {
			log.Printf("[Settlement] failed to record payment failure for %s: %v", tc.ID, err)
			return tc, payErr
		}
		s.emit(writeCtx, next, EventPaymentFailed, payErr.Error(), ActorSystem)
		return next, payErr
	}

	s.observer().PaymentFinished("success", elapsed)
	next := tc.Clone()
	if err := ApplyPayment(next, receipt, s.Now()); err != nil {
		return tc, err
	}
	if err := s.Store.UpdateTimecard(writeCtx, next, tc.Status, tc.Version); err != nil {
		// Money moved but the record lags. The recovery pass retries with the
		// same idempotency keys and converges on paid.
		log.Printf("[Settlement] CRITICAL: payment %s succeeded for %s but paid status not saved: %v",
			receipt.ChargeReference, tc.ID, err)
		return tc, fmt.Errorf("payment succeeded but status update failed: %w", err)
	}

	s.observer().TransitionApplied(tc.Status, StatusPaid)
	s.emit(writeCtx, next, EventPaid, receipt.ChargeReference, ActorSystem)
	return next, nil
}

func (s *Service) flag(ctx context.Context, tc *Timecard, re *ReadinessError, now time.Time) (*Timecard, error) {
	firstOrChanged := tc.FlaggedAt == nil || tc.FlagReason != re.Reason

	next := tc.Clone()
	if err := FlagBlockedAutoApproval(next, re.Reason, now); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateTimecard(ctx, next, tc.Status, tc.Version); err != nil {
		return nil, err
	}
	if firstOrChanged {
		s.emit(ctx, next, EventAutoApprovalBlocked, re.Reason, ActorScheduler)
	}
	return next, re
}

// readiness is the payment-readiness guard shared by manual approval,
// auto-approval and payment retries.
func (s *Service) readiness(ctx context.Context, tc *Timecard) (PaymentOrder, error) {
	pm, err := s.Accounts.GetPaymentMethod(ctx, tc.PayerID)
	if err != nil {
		return PaymentOrder{}, fmt.Errorf("failed to load payment method: %w", err)
	}
	switch {
	case pm == nil:
		return PaymentOrder{}, &ReadinessError{Reason: "payer has no payment method"}
	case !pm.Active:
		return PaymentOrder{}, &ReadinessError{Reason: "payer payment method is not active"}
	}

	acct, err := s.Accounts.GetPayoutAccount(ctx, tc.WorkerID)
	if err != nil {
		return PaymentOrder{}, fmt.Errorf("failed to load payout account: %w", err)
	}
	switch {
	case acct == nil:
		return PaymentOrder{}, &ReadinessError{Reason: "worker has no payout account"}
	case !acct.ChargesEnabled:
		return PaymentOrder{}, &ReadinessError{Reason: "worker payout account has charges disabled"}
	case !acct.PayoutsEnabled:
		return PaymentOrder{}, &ReadinessError{Reason: "worker payout account has payouts disabled"}
	case acct.Status != AccountStatusActive:
		return PaymentOrder{}, &ReadinessError{Reason: fmt.Sprintf("worker payout account is %s", acct.Status)}
	}

	return PaymentOrder{
		TimecardID:    tc.ID,
		PaymentMethod: pm.Reference,
		PayoutAccount: acct.Reference,
	}, nil
}

func (s *Service) emit(ctx context.Context, tc *Timecard, t EventType, reason, actor string) {
	e := Event{
		ID:         s.NewID(),
		TimecardID: tc.ID,
		Type:       t,
		Reason:     reason,
		Actor:      actor,
		At:         s.Now(),
	}
	if s.Events != nil {
		if err := s.Events.AppendEvent(ctx, e); err != nil {
			log.Printf("[Settlement] failed to record %s event for %s: %v", t, tc.ID, err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, e); err != nil {
			log.Printf("[Settlement] failed to notify %s for %s: %v", t, tc.ID, err)
		}
	}
}

func (s *Service) lockTable() *recordLocks {
	s.lockOnce.Do(func() {
		if s.locks == nil {
			s.locks = newRecordLocks()
		}
	})
	return s.locks
}

func (s *Service) observer() Observer {
	if s.Observer == nil {
		return NopObserver{}
	}
	return s.Observer
}

func (s *Service) gracePeriod() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

func paymentOutcome(err error) string {
	if IsRetryable(err) {
		return "transient_failure"
	}
	return "terminal_failure"
}

// PreviewFees recomputes the split a decision would record, using the same
// calculator as approval.
func (tc *Timecard) PreviewFees() (FeeBreakdown, error) {
	return CalculateFees(tc.HourlyRate, tc.TotalHours)
}
