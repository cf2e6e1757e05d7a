package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hollowoak/fleetbridge/internal/presence"
	"github.com/hollowoak/fleetbridge/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePresence records which transitions the pipeline dispatched.
type fakePresence struct {
	mu            sync.Mutex
	registrations []presence.Registration
	lastWills     [][2]string // deviceID, clientID
	touches       []string
}

func (f *fakePresence) HandleRegistration(_ context.Context, reg presence.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, reg)
	return nil
}

func (f *fakePresence) HandleLastWill(_ context.Context, deviceID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastWills = append(f.lastWills, [2]string{deviceID, clientID})
	return nil
}

func (f *fakePresence) Touch(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, deviceID)
	return nil
}

func (f *fakePresence) counts() (regs, wills, touches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registrations), len(f.lastWills), len(f.touches)
}

// newTestPipeline returns a pipeline whose grace window is already in
// the past for messages stamped with live().
func newTestPipeline(t *testing.T) (*Pipeline, *fakePresence) {
	t.Helper()
	fp := &fakePresence{}
	p := New(fp, "fleet", discardLogger(), Options{
		GraceWindow: 10 * time.Millisecond,
		StaleAfter:  120 * time.Second,
	})
	return p, fp
}

// live returns a receive time safely outside the startup grace window.
func live() time.Time {
	return time.Now().Add(time.Second)
}

func envelope(t *testing.T, deviceID string, ts int64, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(Envelope{
		DeviceID:  deviceID,
		Timestamp: ts,
		Type:      "status",
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestPipeline_RetainedDiscarded(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/active",
		Payload:    envelope(t, "lamp-42", 0, map[string]string{"client_id": "c1"}),
		Retained:   true,
		ReceivedAt: live(),
	})

	if regs, wills, touches := fp.counts(); regs+wills+touches != 0 {
		t.Errorf("retained message caused %d/%d/%d transitions, want none", regs, wills, touches)
	}
	if got := p.Stats().DroppedRetained; got != 1 {
		t.Errorf("DroppedRetained = %d, want 1", got)
	}
}

func TestPipeline_GraceWindow(t *testing.T) {
	fp := &fakePresence{}
	p := New(fp, "fleet", discardLogger(), Options{
		GraceWindow: 3 * time.Second,
		StaleAfter:  120 * time.Second,
	})

	// 1s after start, 3s window: discarded.
	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: p.startedAt.Add(time.Second),
	})
	if _, _, touches := fp.counts(); touches != 0 {
		t.Errorf("message inside grace window was dispatched")
	}
	if got := p.Stats().DroppedGrace; got != 1 {
		t.Errorf("DroppedGrace = %d, want 1", got)
	}

	// Identical message at 4s: processed.
	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: p.startedAt.Add(4 * time.Second),
	})
	if _, _, touches := fp.counts(); touches != 1 {
		t.Errorf("message after grace window was not dispatched, touches = %d", touches)
	}
}

func TestPipeline_StalenessFilter(t *testing.T) {
	p, fp := newTestPipeline(t)
	now := live()

	// 121 seconds old with a 120-second threshold: discarded.
	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", now.Add(-121*time.Second).Unix(), nil),
		ReceivedAt: now,
	})
	if _, _, touches := fp.counts(); touches != 0 {
		t.Error("stale message was dispatched")
	}
	if got := p.Stats().DroppedStale; got != 1 {
		t.Errorf("DroppedStale = %d, want 1", got)
	}

	// 119 seconds old: processed.
	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", now.Add(-119*time.Second).Unix(), nil),
		ReceivedAt: now,
	})
	if _, _, touches := fp.counts(); touches != 1 {
		t.Errorf("fresh message was not dispatched, touches = %d", touches)
	}
}

func TestPipeline_NoDeclaredTimestampIsFresh(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: live(),
	})
	if _, _, touches := fp.counts(); touches != 1 {
		t.Errorf("message without declared timestamp was not dispatched")
	}
}

func TestPipeline_MalformedPayloadDiscarded(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    []byte("{not json"),
		ReceivedAt: live(),
	})
	if _, _, touches := fp.counts(); touches != 0 {
		t.Error("malformed message was dispatched")
	}
	if got := p.Stats().DroppedMalformed; got != 1 {
		t.Errorf("DroppedMalformed = %d, want 1", got)
	}

	// The next, well-formed message is unaffected.
	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/status",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: live(),
	})
	if _, _, touches := fp.counts(); touches != 1 {
		t.Error("well-formed message after a malformed one was not dispatched")
	}
}

func TestPipeline_RegistrationDispatch(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic: "fleet/lamp-42/active",
		Payload: envelope(t, "lamp-42", 0, map[string]any{
			"client_id":   "session-9",
			"device_name": "hallway lamp",
			"owner":       "acct-7",
			"metadata":    map[string]string{"firmware": "2.1.0"},
		}),
		ReceivedAt: live(),
	})

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.registrations) != 1 {
		t.Fatalf("registrations = %d, want 1", len(fp.registrations))
	}
	reg := fp.registrations[0]
	if reg.DeviceID != "lamp-42" {
		t.Errorf("DeviceID = %q, want %q (identity comes from the topic)", reg.DeviceID, "lamp-42")
	}
	if reg.ClientID != "session-9" {
		t.Errorf("ClientID = %q, want %q", reg.ClientID, "session-9")
	}
	if reg.Metadata["firmware"] != "2.1.0" {
		t.Errorf("Metadata[firmware] = %q, want %q", reg.Metadata["firmware"], "2.1.0")
	}
}

func TestPipeline_LastWillDispatch(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/lwt",
		Payload:    []byte(`{"type":"un_registration","clientId":"session-9"}`),
		ReceivedAt: live(),
	})

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.lastWills) != 1 {
		t.Fatalf("lastWills = %d, want 1", len(fp.lastWills))
	}
	if fp.lastWills[0] != [2]string{"lamp-42", "session-9"} {
		t.Errorf("lastWill = %v, want [lamp-42 session-9]", fp.lastWills[0])
	}
	if len(fp.touches) != 0 {
		t.Error("last-will must not refresh LastSeen")
	}
}

func TestPipeline_InvalidLastWillTypeRejected(t *testing.T) {
	p, fp := newTestPipeline(t)

	for i, payload := range []string{
		`{"type":"registration","clientId":"session-9"}`,
		`{"type":"un_registration"}`,
		`garbage`,
	} {
		p.Handle(context.Background(), transport.Message{
			Topic:      fmt.Sprintf("fleet/lamp-%d/lwt", i),
			Payload:    []byte(payload),
			ReceivedAt: live(),
		})
	}

	if _, wills, _ := fp.counts(); wills != 0 {
		t.Errorf("invalid last-will payloads caused %d transitions, want 0", wills)
	}
}

func TestPipeline_UnknownClassStillTouches(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/screen",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: live(),
	})

	if _, _, touches := fp.counts(); touches != 1 {
		t.Errorf("content-class message did not refresh LastSeen, touches = %d", touches)
	}
}

func TestPipeline_ForeignNamespaceIgnored(t *testing.T) {
	p, fp := newTestPipeline(t)

	p.Handle(context.Background(), transport.Message{
		Topic:      "homeassistant/sensor/kitchen/state",
		Payload:    []byte(`{}`),
		ReceivedAt: live(),
	})

	if regs, wills, touches := fp.counts(); regs+wills+touches != 0 {
		t.Error("message outside the fleet namespace was dispatched")
	}
}

func TestPipeline_ClosedDropsEverything(t *testing.T) {
	p, fp := newTestPipeline(t)
	p.Close()

	p.Handle(context.Background(), transport.Message{
		Topic:      "fleet/lamp-42/active",
		Payload:    envelope(t, "lamp-42", 0, nil),
		ReceivedAt: live(),
	})

	if regs, _, _ := fp.counts(); regs != 0 {
		t.Error("closed pipeline dispatched a message")
	}
}
