/*
machine.go - SettlementStateMachine: lifecycle transitions and guards

LIFECYCLE:
  ┌───────────┐  payer approves   ┌──────────────┐  payment ok  ┌──────┐
  │ submitted │ ───────────────▶  │ approved     │ ───────────▶ │ paid │
  │           │  deadline passed  ├──────────────┤              └──────┘
  │           │ ───────────────▶  │ auto_approved│ ───────────▶
  │           │  payer rejects    └──────────────┘
  │           │ ───────────────▶  ┌──────────┐
  └───────────┘                   │ rejected │
                                  └──────────┘

  paid and rejected are terminal. A failed payment leaves the timecard in
  approved/auto_approved; approval is a durable fact on its own.

The functions here only mutate an in-memory copy. Persisting the result is
an optimistic compare-and-set on (status, version) done by the Store.
*/
package settlement

import (
	"strings"
	"time"
)

var allowedTransitions = map[Status][]Status{
	StatusSubmitted:    {StatusApproved, StatusAutoApproved, StatusRejected},
	StatusApproved:     {StatusPaid},
	StatusAutoApproved: {StatusPaid},
}

// CanTransitionTo reports whether the lifecycle allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(tc *Timecard, to Status) error {
	if !tc.Status.CanTransitionTo(to) {
		return &TransitionError{ID: tc.ID, From: tc.Status, To: to}
	}
	return nil
}

// ApplyApproval moves a submitted timecard to approved (manual) or
// auto_approved and records the authoritative fee split.
func ApplyApproval(tc *Timecard, to Status, fees FeeBreakdown, actor string, at time.Time) error {
	if to != StatusApproved && to != StatusAutoApproved {
		return &TransitionError{ID: tc.ID, From: tc.Status, To: to}
	}
	if err := checkTransition(tc, to); err != nil {
		return err
	}
	if tc.Fees != nil {
		return ErrImmutableField
	}
	if to == StatusAutoApproved && !at.After(tc.ApprovalDeadline) {
		return ErrDeadlineNotReached
	}

	tc.Status = to
	tc.Fees = &fees
	tc.DecidedAt = &at
	tc.DecidedBy = actor
	tc.FlaggedAt = nil
	tc.FlagReason = ""
	return nil
}

// ApplyRejection moves a submitted timecard to rejected. No money is ever
// computed on this path.
func ApplyRejection(tc *Timecard, reason, actor string, at time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrRejectionReasonRequired
	}
	if err := checkTransition(tc, StatusRejected); err != nil {
		return err
	}

	tc.Status = StatusRejected
	tc.RejectionReason = reason
	tc.DecidedAt = &at
	tc.DecidedBy = actor
	tc.FlaggedAt = nil
	tc.FlagReason = ""
	return nil
}

// ApplyPayment moves an approved timecard to paid with the gateway references.
func ApplyPayment(tc *Timecard, receipt PaymentReceipt, at time.Time) error {
	if err := checkTransition(tc, StatusPaid); err != nil {
		return err
	}
	if tc.Fees == nil {
		return &TransitionError{ID: tc.ID, From: tc.Status, To: StatusPaid}
	}

	tc.Status = StatusPaid
	tc.PaymentReference = receipt.ChargeReference
	tc.PayoutReference = receipt.PayoutReference
	tc.PaidAt = &at
	tc.PaymentAttempts++
	tc.LastPaymentError = ""
	tc.LastPaymentRetryable = false
	return nil
}

// RecordPaymentFailure notes a failed attempt without changing status.
func RecordPaymentFailure(tc *Timecard, err error) error {
	if !tc.Status.IsApproved() {
		return &TransitionError{ID: tc.ID, From: tc.Status, To: tc.Status}
	}
	tc.PaymentAttempts++
	tc.LastPaymentError = err.Error()
	tc.LastPaymentRetryable = IsRetryable(err)
	return nil
}

// FlagBlockedAutoApproval marks a past-deadline timecard for manual follow-up.
// The status stays submitted so the next sweep re-evaluates it.
func FlagBlockedAutoApproval(tc *Timecard, reason string, at time.Time) error {
	if tc.Status != StatusSubmitted {
		return &TransitionError{ID: tc.ID, From: tc.Status, To: tc.Status}
	}
	if tc.FlaggedAt == nil {
		tc.FlaggedAt = &at
	}
	tc.FlagReason = reason
	tc.GuardFailures++
	return nil
}

// CheckImmutable returns ErrImmutableField when next would change
// money or references that prev had already settled.
func CheckImmutable(prev, next *Timecard) error {
	if prev.Fees != nil && (next.Fees == nil || !prev.Fees.Equal(*next.Fees)) {
		return ErrImmutableField
	}
	if !prev.HourlyRate.Equal(next.HourlyRate) || !prev.TotalHours.Equal(next.TotalHours) {
		return ErrImmutableField
	}
	if prev.Status == StatusPaid &&
		(prev.PaymentReference != next.PaymentReference || prev.PayoutReference != next.PayoutReference) {
		return ErrImmutableField
	}
	if !prev.ApprovalDeadline.Equal(next.ApprovalDeadline) {
		return ErrImmutableField
	}
	return nil
}
