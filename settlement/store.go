/*
store.go - Persistence and boundary interfaces

KEY INTERFACES:
  Store:            Timecard persistence with optimistic compare-and-set
  ContractSource:   Read-only contract lookup (external contract service)
  AccountDirectory: Payer payment methods and worker payout accounts
  EventLog:         Append-only lifecycle event history

APPEND-MOSTLY CONTRACT:
  - CreateTimecard(): the only insert
  - UpdateTimecard(): compare-and-set on (status, version); no blind writes
  - NO Delete method exists

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default) and PostgreSQL
  - settlement/store/memory.go: In-memory for testing
*/
package settlement

import (
	"context"
	"time"
)

// TimecardFilter narrows List queries. Zero values match everything.
type TimecardFilter struct {
	Status   Status
	PayerID  PayerID
	WorkerID WorkerID
	Limit    int
}

// Matches reports whether tc passes the filter.
func (f TimecardFilter) Matches(tc *Timecard) bool {
	if f.Status != "" && tc.Status != f.Status {
		return false
	}
	if f.PayerID != "" && tc.PayerID != f.PayerID {
		return false
	}
	if f.WorkerID != "" && tc.WorkerID != f.WorkerID {
		return false
	}
	return true
}

// Store persists timecards.
type Store interface {
	// CreateTimecard inserts a new timecard. Returns ErrDuplicateID if the id exists.
	CreateTimecard(ctx context.Context, tc *Timecard) error

	// GetTimecard returns ErrTimecardNotFound when the id is unknown.
	GetTimecard(ctx context.Context, id TimecardID) (*Timecard, error)

	// UpdateTimecard writes tc only if the persisted row still has
	// expectedStatus and expectedVersion, as one atomic operation. On success
	// tc.Version is incremented. A lost race returns ErrConcurrentModification.
	UpdateTimecard(ctx context.Context, tc *Timecard, expectedStatus Status, expectedVersion int) error

	// ListTimecards returns timecards ordered by submission time.
	ListTimecards(ctx context.Context, filter TimecardFilter) ([]*Timecard, error)

	// ListDue returns submitted timecards whose approval deadline is before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Timecard, error)

	// ListUnpaid returns approved or auto_approved timecards decided before
	// decidedBefore, excluding those whose last payment failed terminally.
	ListUnpaid(ctx context.Context, decidedBefore time.Time, limit int) ([]*Timecard, error)

	// ListNeedingAttention returns flagged submitted timecards and approved
	// timecards with a recorded payment failure.
	ListNeedingAttention(ctx context.Context) ([]*Timecard, error)
}

// EventLog stores lifecycle events. Append-only.
type EventLog interface {
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, id TimecardID) ([]Event, error)
}

// ContractSource supplies the contract fixing rate, worker and payer.
type ContractSource interface {
	// GetContract returns ErrContractNotFound when the id is unknown.
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
}

// AccountDirectory answers the payment-readiness questions for the guard.
// A missing record is reported as (nil, nil).
type AccountDirectory interface {
	GetPaymentMethod(ctx context.Context, payerID PayerID) (*PaymentMethod, error)
	GetPayoutAccount(ctx context.Context, workerID WorkerID) (*PayoutAccount, error)
}

// Notifier receives lifecycle events after they are persisted. It is
// best-effort: a failed notification never undoes a transition.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
