package presence

import (
	"sync"
	"testing"
)

func TestKeyedLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyedLocks()

	const workers = 50
	var counter int // protected only by the keyed lock
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := locks.lock("lamp-42")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestKeyedLocks_DifferentKeysDoNotContend(t *testing.T) {
	locks := newKeyedLocks()

	unlockA := locks.lock("lamp-1")
	defer unlockA()

	// Acquiring a different key while lamp-1 is held must not block.
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("lamp-2")
		unlockB()
		close(done)
	}()
	<-done
}

func TestKeyedLocks_EntriesEvicted(t *testing.T) {
	locks := newKeyedLocks()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := []string{"lamp-1", "lamp-2", "lamp-3"}[n%3]
			unlock := locks.lock(id)
			unlock()
		}(i)
	}
	wg.Wait()

	if got := locks.size(); got != 0 {
		t.Errorf("size() = %d after all unlocks, want 0", got)
	}
}

func TestKeyedLocks_ReentryAfterEviction(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.lock("lamp-42")
	unlock()
	unlock = locks.lock("lamp-42")
	unlock()

	if got := locks.size(); got != 0 {
		t.Errorf("size() = %d, want 0", got)
	}
}
