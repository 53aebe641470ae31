/*
Package settlement provides the timecard approval and payment settlement engine.

PURPOSE:
  Converts reported shift times into billable hours, splits the shift value
  three ways (worker, platform, payer), drives the approval lifecycle of each
  timecard and executes exactly one charge and one payout per approved shift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Timecard: One shift's reported hours plus its approval/payment record
  - Status: Lifecycle state (submitted, approved, auto_approved, rejected, paid)
  - Contract: Fixes the hourly rate and the worker/payer of an engagement
  - PaymentMethod / PayoutAccount: Payment-readiness records at the boundary
  - Event: Lifecycle fact, persisted for audit and fanned out to notifiers

DESIGN PRINCIPLES:
  1. Precision: hours and money use decimal.Decimal, never float64
  2. Write-once money: Fees stay nil until a decision, then never change
  3. Append-mostly: timecards are never deleted, events are append-only
  4. Optimistic writes: every persisted change carries the version it read

SEE ALSO:
  - shift.go: TimeNormalizer
  - fees.go: FeeCalculator
  - machine.go: Lifecycle transitions
  - service.go: Orchestration of submit/approve/reject/settle
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TimecardID string
type ContractID string
type WorkerID string
type PayerID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusApproved     Status = "approved"
	StatusAutoApproved Status = "auto_approved"
	StatusRejected     Status = "rejected"
	StatusPaid         Status = "paid"
)

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusSubmitted, StatusApproved, StatusAutoApproved, StatusRejected, StatusPaid:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool { return s == StatusPaid || s == StatusRejected }

// IsApproved reports whether s is one of the two approval states awaiting payment.
func (s Status) IsApproved() bool { return s == StatusApproved || s == StatusAutoApproved }

// =============================================================================
// FEE BREAKDOWN - Three-way money split
// =============================================================================

// FeeBreakdown is the authoritative split of a shift's value. All amounts are
// in the single platform currency, rounded to cents.
type FeeBreakdown struct {
	HourlyRate       decimal.Decimal
	TotalHours       decimal.Decimal
	GrossAmount      decimal.Decimal
	WorkerFee        decimal.Decimal
	WorkerNetAmount  decimal.Decimal
	PayerTotalAmount decimal.Decimal
	PlatformFeeTotal decimal.Decimal
}

// =============================================================================
// TIMECARD
// =============================================================================

type Timecard struct {
	ID         TimecardID
	ContractID ContractID
	WorkerID   WorkerID
	PayerID    PayerID

	// Snapshotted from the contract at submission, never recomputed.
	HourlyRate decimal.Decimal

	// Raw report
	ShiftDate    time.Time
	StartTime    time.Time
	EndTime      time.Time
	IsOvernight  bool
	BreakMinutes int

	// Derived by NormalizeShift
	RoundedStart time.Time
	RoundedEnd   time.Time
	TotalHours   decimal.Decimal

	// Financial fields, nil until a decision is made.
	Fees             *FeeBreakdown
	PaymentReference string
	PayoutReference  string

	// Lifecycle
	Status           Status
	SubmittedAt      time.Time
	ApprovalDeadline time.Time
	DecidedAt        *time.Time
	DecidedBy        string
	PaidAt           *time.Time
	RejectionReason  string
	Notes            string

	// Payment bookkeeping
	PaymentAttempts      int
	LastPaymentError     string
	LastPaymentRetryable bool

	// Manual follow-up flag for auto-approvals blocked by the readiness guard
	FlaggedAt     *time.Time
	FlagReason    string
	GuardFailures int

	// Optimistic lock counter, incremented on every persisted write.
	Version int
}

// Clone returns a deep copy so callers can stage changes without touching
// a shared record.
func (tc *Timecard) Clone() *Timecard {
	c := *tc
	if tc.Fees != nil {
		fees := *tc.Fees
		c.Fees = &fees
	}
	c.DecidedAt = cloneTime(tc.DecidedAt)
	c.PaidAt = cloneTime(tc.PaidAt)
	c.FlaggedAt = cloneTime(tc.FlaggedAt)
	return &c
}

// NeedsAttention reports whether an operator should look at this timecard:
// a blocked auto-approval, or an approved timecard whose payment failed.
func (tc *Timecard) NeedsAttention() bool {
	if tc.Status == StatusSubmitted && tc.FlaggedAt != nil {
		return true
	}
	return tc.Status.IsApproved() && tc.LastPaymentError != ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// CONTRACT & PAYMENT READINESS (external boundary)
// =============================================================================

// Contract fixes the hourly rate for a worker/payer engagement.
type Contract struct {
	ID         ContractID
	WorkerID   WorkerID
	PayerID    PayerID
	HourlyRate decimal.Decimal
	Active     bool
	CreatedAt  time.Time
}

// PaymentMethod is the payer's chargeable instrument at the gateway.
type PaymentMethod struct {
	PayerID   PayerID
	Reference string
	Active    bool
	UpdatedAt time.Time
}

// PayoutAccount is the worker's connected account at the gateway.
type PayoutAccount struct {
	WorkerID       WorkerID
	Reference      string
	ChargesEnabled bool
	PayoutsEnabled bool
	Status         string
	UpdatedAt      time.Time
}

const AccountStatusActive = "active"

// Ready reports whether the account can receive funds.
func (a PayoutAccount) Ready() bool {
	return a.ChargesEnabled && a.PayoutsEnabled && a.Status == AccountStatusActive
}

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventSubmitted           EventType = "submitted"
	EventApproved            EventType = "approved"
	EventAutoApproved        EventType = "auto_approved"
	EventRejected            EventType = "rejected"
	EventPaid                EventType = "paid"
	EventPaymentFailed       EventType = "payment_failed"
	EventAutoApprovalBlocked EventType = "auto_approval_blocked"
)

// Event is a lifecycle fact about one timecard.
type Event struct {
	ID         string
	TimecardID TimecardID
	Type       EventType
	Reason     string
	Actor      string
	At         time.Time
}

// Actor names used when the system, not a person, drives a change.
const (
	ActorScheduler = "system:scheduler"
	ActorSystem    = "system"
	// ActorOperator is recorded when an operator decides without a named actor.
	ActorOperator = "operator"
)
