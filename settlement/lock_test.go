package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLocks_TryLockFailsWhileHeld(t *testing.T) {
	locks := newRecordLocks()

	unlock := locks.Lock("tc-1")
	_, ok := locks.TryLock("tc-1")
	assert.False(t, ok)

	other, ok := locks.TryLock("tc-2")
	require.True(t, ok, "unrelated records are independent")
	other()

	unlock()
	again, ok := locks.TryLock("tc-1")
	require.True(t, ok)
	again()

	assert.Empty(t, locks.locks, "released entries are removed")
}

func TestRecordLocks_SerializesSameRecord(t *testing.T) {
	locks := newRecordLocks()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("tc-1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestService_AutoApproveBusyRecord(t *testing.T) {
	s := &Service{}
	unlock := s.lockTable().Lock("tc-1")
	defer unlock()

	_, err := s.AutoApprove(context.Background(), "tc-1")
	assert.ErrorIs(t, err, ErrBusy)
}
