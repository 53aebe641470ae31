/*
errors.go - Centralized error types for the settlement engine

ERROR CATEGORIES:
  1. Validation errors - rejected before a timecard exists
  2. Lifecycle errors - illegal or lost transitions
  3. Readiness errors - payment cannot be executed, so approval is refused
  4. Payment errors - gateway failures, classified retryable or terminal

USAGE:
  if errors.Is(err, settlement.ErrPaymentNotReady) {
      // timecard is still submitted, nothing was written
  }
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidShift is returned when reported times cannot produce billable hours.
	ErrInvalidShift = errors.New("invalid shift")

	// ErrInvalidAmount is returned for negative rates or hours.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNoBillableHours is returned when a shift normalizes to zero hours.
	ErrNoBillableHours = errors.New("shift has no billable hours")

	// ErrContractNotFound is returned when the referenced contract is missing.
	ErrContractNotFound = errors.New("contract not found")

	// ErrContractInactive is returned when the contract no longer accepts timecards.
	ErrContractInactive = errors.New("contract is not active")

	// ErrTimecardNotFound is returned when the referenced timecard is missing.
	ErrTimecardNotFound = errors.New("timecard not found")

	// ErrInvalidTransition is returned when the lifecycle forbids a change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when the persisted status or version
	// no longer matches what the caller read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrBusy is returned when another request or sweep holds the timecard.
	ErrBusy = errors.New("timecard is being processed")

	// ErrPaymentNotReady is returned when the payer or worker cannot transact.
	ErrPaymentNotReady = errors.New("payment not ready")

	// ErrRejectionReasonRequired is returned for a rejection without a reason.
	ErrRejectionReasonRequired = errors.New("rejection reason required")

	// ErrNotPayer is returned when someone other than the timecard's payer decides.
	ErrNotPayer = errors.New("actor is not the payer of this timecard")

	// ErrDeadlineNotReached is returned when auto-approval is attempted early.
	ErrDeadlineNotReached = errors.New("approval deadline not reached")

	// ErrImmutableField is returned when a write would change settled money,
	// the rate snapshot, derived hours or the approval deadline.
	ErrImmutableField = errors.New("immutable field changed")

	// ErrPaymentFailed is the root of every *PaymentError.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrDuplicateID is returned when a record with the same id already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ShiftValidationError names the field that failed normalization.
type ShiftValidationError struct {
	Field   string
	Message string
}

func (e *ShiftValidationError) Error() string {
	return fmt.Sprintf("invalid shift: %s: %s", e.Field, e.Message)
}

func (e *ShiftValidationError) Unwrap() error { return ErrInvalidShift }

// TransitionError records a refused lifecycle change.
type TransitionError struct {
	ID   TimecardID
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("timecard %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ReadinessError explains why the payment-readiness guard failed.
type ReadinessError struct {
	Reason string
}

func (e *ReadinessError) Error() string { return "payment not ready: " + e.Reason }

func (e *ReadinessError) Unwrap() error { return ErrPaymentNotReady }

// PaymentStage identifies which gateway leg failed.
type PaymentStage string

const (
	StageCharge PaymentStage = "charge"
	StagePayout PaymentStage = "payout"
)

// PaymentError is the classified outcome of a failed PaymentExecutor run.
type PaymentError struct {
	Stage     PaymentStage
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("payment %s failed (%s): %v", e.Stage, kind, e.Err)
}

func (e *PaymentError) Unwrap() []error { return []error{ErrPaymentFailed, e.Err} }

// GatewayError is what gateway adapters return for a refused or failed call.
type GatewayError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return "gateway: " + e.Message
	}
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidShift) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNoBillableHours) ||
		errors.Is(err, ErrContractInactive) ||
		errors.Is(err, ErrRejectionReasonRequired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTimecardNotFound) || errors.Is(err, ErrContractNotFound)
}

// IsConflict returns true if the error means the timecard's state moved on.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrDuplicateID)
}
