package acktrack

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTracker_ConfirmBeforeDeadline(t *testing.T) {
	var confirmed, timedOut atomic.Int32

	tr := New(100*time.Millisecond,
		func(string) { confirmed.Add(1) },
		func(string) { timedOut.Add(1) },
		discardLogger(),
	)
	defer tr.Stop()

	tr.Track("k1", "dev-1")
	tr.Confirm("k1")

	// Wait past the deadline to prove the timer never fires.
	time.Sleep(150 * time.Millisecond)

	if got := confirmed.Load(); got != 1 {
		t.Errorf("onConfirmed fired %d times, want 1", got)
	}
	if got := timedOut.Load(); got != 0 {
		t.Errorf("onTimedOut fired %d times, want 0", got)
	}
	if got := tr.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestTracker_TimeoutFires(t *testing.T) {
	var confirmed, timedOut atomic.Int32
	done := make(chan struct{})

	tr := New(20*time.Millisecond,
		func(string) { confirmed.Add(1) },
		func(deviceID string) {
			timedOut.Add(1)
			close(done)
		},
		discardLogger(),
	)
	defer tr.Stop()

	tr.Track("k1", "dev-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	// A late confirmation for an expired key must be ignored.
	tr.Confirm("k1")

	if got := timedOut.Load(); got != 1 {
		t.Errorf("onTimedOut fired %d times, want 1", got)
	}
	if got := confirmed.Load(); got != 0 {
		t.Errorf("onConfirmed fired %d times, want 0", got)
	}
}

func TestTracker_ExactlyOneOutcome(t *testing.T) {
	// Race confirmations against timer expiry across many keys; the sum
	// of confirmed and timed-out must equal the number of keys.
	const n = 200

	var confirmed, timedOut atomic.Int32
	tr := New(time.Millisecond,
		func(string) { confirmed.Add(1) },
		func(string) { timedOut.Add(1) },
		discardLogger(),
	)
	defer tr.Stop()

	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		tr.Track(keys[i], "dev")
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			tr.Confirm(key)
		}(k)
	}
	wg.Wait()

	// Let any still-pending timers fire.
	time.Sleep(50 * time.Millisecond)

	total := confirmed.Load() + timedOut.Load()
	if total != n {
		t.Errorf("confirmed(%d) + timedOut(%d) = %d, want exactly %d",
			confirmed.Load(), timedOut.Load(), total, n)
	}
}

func TestTracker_PendingCount(t *testing.T) {
	tr := New(time.Minute, nil, nil, discardLogger())
	defer tr.Stop()

	tr.Track("a", "dev-a")
	tr.Track("b", "dev-b")
	if got := tr.PendingCount(); got != 2 {
		t.Errorf("PendingCount() = %d, want 2", got)
	}

	tr.Confirm("a")
	if got := tr.PendingCount(); got != 1 {
		t.Errorf("PendingCount() after confirm = %d, want 1", got)
	}
}

func TestTracker_StopCancelsSilently(t *testing.T) {
	var fired atomic.Int32

	tr := New(20*time.Millisecond,
		func(string) { fired.Add(1) },
		func(string) { fired.Add(1) },
		discardLogger(),
	)

	tr.Track("k1", "dev-1")
	tr.Track("k2", "dev-2")
	tr.Stop()

	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Errorf("callbacks fired %d times after Stop, want 0", got)
	}
	if got := tr.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after Stop = %d, want 0", got)
	}

	// Tracking after Stop is a no-op.
	tr.Track("k3", "dev-3")
	if got := tr.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after Track-post-Stop = %d, want 0", got)
	}
}

func TestTracker_UnknownConfirmIgnored(t *testing.T) {
	tr := New(time.Minute, nil, nil, discardLogger())
	defer tr.Stop()

	// Must not panic or affect anything.
	tr.Confirm("never-tracked")
	if got := tr.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}
