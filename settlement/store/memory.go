// Package store provides in-memory implementations of the settlement boundaries.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements settlement.Store, settlement.EventLog,
// settlement.ContractSource and settlement.AccountDirectory.
type Memory struct {
	mu             sync.RWMutex
	timecards      map[settlement.TimecardID]*settlement.Timecard
	events         map[settlement.TimecardID][]settlement.Event
	contracts      map[settlement.ContractID]*settlement.Contract
	paymentMethods map[settlement.PayerID]*settlement.PaymentMethod
	payoutAccounts map[settlement.WorkerID]*settlement.PayoutAccount
}

func NewMemory() *Memory {
	return &Memory{
		timecards:      make(map[settlement.TimecardID]*settlement.Timecard),
		events:         make(map[settlement.TimecardID][]settlement.Event),
		contracts:      make(map[settlement.ContractID]*settlement.Contract),
		paymentMethods: make(map[settlement.PayerID]*settlement.PaymentMethod),
		payoutAccounts: make(map[settlement.WorkerID]*settlement.PayoutAccount),
	}
}

// =============================================================================
// TIMECARDS
// =============================================================================

func (m *Memory) CreateTimecard(_ context.Context, tc *settlement.Timecard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.timecards[tc.ID]; exists {
		return settlement.ErrDuplicateID
	}
	m.timecards[tc.ID] = tc.Clone()
	return nil
}

func (m *Memory) GetTimecard(_ context.Context, id settlement.TimecardID) (*settlement.Timecard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.timecards[id]
	if !ok {
		return nil, settlement.ErrTimecardNotFound
	}
	return tc.Clone(), nil
}

// UpdateTimecard is a compare-and-set on (status, version).
func (m *Memory) UpdateTimecard(_ context.Context, tc *settlement.Timecard, expectedStatus settlement.Status, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.timecards[tc.ID]
	if !ok {
		return settlement.ErrTimecardNotFound
	}
	if current.Status != expectedStatus || current.Version != expectedVersion {
		return settlement.ErrConcurrentModification
	}
	if err := settlement.CheckImmutable(current, tc); err != nil {
		return err
	}

	tc.Version = expectedVersion + 1
	m.timecards[tc.ID] = tc.Clone()
	return nil
}

func (m *Memory) ListTimecards(_ context.Context, filter settlement.TimecardFilter) ([]*settlement.Timecard, error) {
	return m.collect(filter.Matches, filter.Limit), nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]*settlement.Timecard, error) {
	return m.collect(func(tc *settlement.Timecard) bool {
		return tc.Status == settlement.StatusSubmitted && tc.ApprovalDeadline.Before(now)
	}, limit), nil
}

func (m *Memory) ListUnpaid(_ context.Context, decidedBefore time.Time, limit int) ([]*settlement.Timecard, error) {
	return m.collect(func(tc *settlement.Timecard) bool {
		if !tc.Status.IsApproved() || tc.DecidedAt == nil || !tc.DecidedAt.Before(decidedBefore) {
			return false
		}
		return tc.LastPaymentError == "" || tc.LastPaymentRetryable
	}, limit), nil
}

func (m *Memory) ListNeedingAttention(_ context.Context) ([]*settlement.Timecard, error) {
	return m.collect((*settlement.Timecard).NeedsAttention, 0), nil
}

// collect returns clones ordered by submission time, then id.
func (m *Memory) collect(match func(*settlement.Timecard) bool, limit int) []*settlement.Timecard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*settlement.Timecard
	for _, tc := range m.timecards {
		if match(tc) {
			out = append(out, tc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) AppendEvent(_ context.Context, e settlement.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.TimecardID] = append(m.events[e.TimecardID], e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, id settlement.TimecardID) ([]settlement.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[id]
	out := make([]settlement.Event, len(events))
	copy(out, events)
	return out, nil
}

// =============================================================================
// CONTRACTS & ACCOUNTS
// =============================================================================

func (m *Memory) SaveContract(_ context.Context, c *settlement.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *Memory) GetContract(_ context.Context, id settlement.ContractID) (*settlement.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, settlement.ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListContracts(_ context.Context) ([]*settlement.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*settlement.Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SavePaymentMethod(_ context.Context, pm *settlement.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.paymentMethods[pm.PayerID] = &cp
	return nil
}

func (m *Memory) GetPaymentMethod(_ context.Context, payerID settlement.PayerID) (*settlement.PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.paymentMethods[payerID]
	if !ok {
		return nil, nil
	}
	cp := *pm
	return &cp, nil
}

func (m *Memory) SavePayoutAccount(_ context.Context, a *settlement.PayoutAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.payoutAccounts[a.WorkerID] = &cp
	return nil
}

func (m *Memory) GetPayoutAccount(_ context.Context, workerID settlement.WorkerID) (*settlement.PayoutAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.payoutAccounts[workerID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
