package presence

import "sync"

// keyedLocks serializes transitions per device without a global lock.
// Lock entries are created on demand and evicted as soon as no
// goroutine holds or waits on them, so the map does not grow with
// fleet size — only with concurrency.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*deviceLock)}
}

// lock acquires the per-device lock for id and returns the matching
// unlock function. Different ids never contend with each other.
func (k *keyedLocks) lock(id string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &deviceLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live lock entries. Exposed for tests and
// observability.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
