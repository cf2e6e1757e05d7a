package device

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return s
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Get("ghost")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if d != nil {
		t.Errorf("Get(missing) = %+v, want nil", d)
	}
}

func TestStore_UpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)

	lastSeen := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	in := &Device{
		ID:                "lamp-42",
		TransportClientID: "session-abc",
		Status:            StatusActive,
		LastSeen:          lastSeen,
		Owner:             "acct-7",
		Metadata:          map[string]string{"class": "lamp", "firmware": "2.1.0"},
	}
	if err := s.Upsert(in); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := s.Get("lamp-42")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want device")
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, StatusActive)
	}
	if !got.LastSeen.Equal(lastSeen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, lastSeen)
	}
	if got.Owner != "acct-7" {
		t.Errorf("Owner = %q, want %q", got.Owner, "acct-7")
	}
	if got.Metadata["firmware"] != "2.1.0" {
		t.Errorf("Metadata[firmware] = %q, want %q", got.Metadata["firmware"], "2.1.0")
	}
}

func TestStore_UpsertReplaces(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&Device{ID: "d1", Status: StatusActive}); err != nil {
		t.Fatalf("first Upsert() error: %v", err)
	}
	if err := s.Upsert(&Device{ID: "d1", Status: StatusInactive}); err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}

	devices, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("List() returned %d devices, want 1 (no duplicate rows)", len(devices))
	}
	if devices[0].Status != StatusInactive {
		t.Errorf("Status = %q, want %q", devices[0].Status, StatusInactive)
	}
}

func TestStore_UpsertEmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert(&Device{}); err == nil {
		t.Fatal("Upsert with empty ID should error")
	}
}

func TestStore_GetByTransportClientID(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&Device{ID: "cam-1", TransportClientID: "mq-sess-9", Status: StatusActive}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := s.GetByTransportClientID("mq-sess-9")
	if err != nil {
		t.Fatalf("GetByTransportClientID() error: %v", err)
	}
	if got == nil || got.ID != "cam-1" {
		t.Errorf("GetByTransportClientID() = %+v, want device cam-1", got)
	}

	missing, err := s.GetByTransportClientID("nope")
	if err != nil {
		t.Fatalf("GetByTransportClientID(missing) error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetByTransportClientID(missing) = %+v, want nil", missing)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&Device{ID: "d1", Status: StatusActive}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := s.Delete("d1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	d, err := s.Get("d1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if d != nil {
		t.Errorf("Get(deleted) = %+v, want nil", d)
	}

	// Deleting again is a no-op.
	if err := s.Delete("d1"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}
