package settlement

import "sync"

// recordLocks serializes work per timecard without a global lock, so an
// approval request and a deadline sweep never process the same record at
// the same time while unrelated records proceed in parallel.
type recordLocks struct {
	mu    sync.Mutex
	locks map[TimecardID]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[TimecardID]*recordLock)}
}

func (r *recordLocks) acquire(id TimecardID) *recordLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &recordLock{}
		r.locks[id] = l
	}
	l.refs++
	return l
}

func (r *recordLocks) release(id TimecardID, l *recordLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, id)
	}
}

// Lock blocks until the record is free and returns the unlock function.
func (r *recordLocks) Lock(id TimecardID) func() {
	l := r.acquire(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.release(id, l)
	}
}

// TryLock returns false immediately when the record is held elsewhere.
func (r *recordLocks) TryLock(id TimecardID) (func(), bool) {
	l := r.acquire(id)
	if !l.mu.TryLock() {
		r.release(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		r.release(id, l)
	}, true
}
