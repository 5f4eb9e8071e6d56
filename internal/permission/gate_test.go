package permission

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// askAsync starts an approval request and returns the channel its decision
// arrives on, plus the request id published to the bus.
func askAsync(t *testing.T, g *Gate, b bus.EventBus, req Request) (<-chan Decision, string) {
	t.Helper()

	ids := make(chan string, 1)
	sub, err := b.Subscribe(events.SubjectPermission, func(ctx context.Context, e *bus.Event) error {
		if e.Type != events.PermissionRequested {
			return nil
		}
		select {
		case ids <- e.Data["requestId"].(string):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- g.Ask(context.Background(), req)
	}()

	select {
	case id := <-ids:
		return decisions, id
	case <-time.After(2 * time.Second):
		t.Fatal("permission request never published")
		return nil, ""
	}
}

func TestGate_AllowWithinTimeout(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(10*time.Second, b, newTestLogger())

	decisions, id := askAsync(t, g, b, Request{Slot: 1, ToolName: "Write", Mode: ModeDefault})

	if err := g.Respond(Response{
		RequestID:    id,
		Behavior:     BehaviorAllow,
		UpdatedInput: map[string]any{"file_path": "/tmp/x"},
	}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	select {
	case d := <-decisions:
		if d.Behavior != BehaviorAllow {
			t.Errorf("Behavior = %q, want allow", d.Behavior)
		}
		if d.UpdatedInput["file_path"] != "/tmp/x" {
			t.Errorf("UpdatedInput = %v", d.UpdatedInput)
		}
		if d.Interrupt {
			t.Error("Interrupt = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	if g.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", g.Pending())
	}
}

func TestGate_DenyWithInterruptClearsTimer(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(50*time.Millisecond, b, newTestLogger())

	decisions, id := askAsync(t, g, b, Request{Slot: 2, ToolName: "Bash", Mode: ModeDefault})

	if err := g.Respond(Response{RequestID: id, Behavior: BehaviorDeny, Interrupt: true}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	d := <-decisions
	if d.Behavior != BehaviorDeny || !d.Interrupt {
		t.Errorf("decision = %+v, want deny with interrupt", d)
	}
	if d.Message == TimeoutMessage {
		t.Error("timeout fallback fired despite a UI response")
	}

	// Give the (stopped) timer a chance to misfire; Respond must then
	// report the request as unknown.
	time.Sleep(80 * time.Millisecond)
	if err := g.Respond(Response{RequestID: id, Behavior: BehaviorAllow}); !apperrors.HasCode(err, apperrors.ErrCodeUnknownRequestID) {
		t.Errorf("second Respond() = %v, want UNKNOWN_REQUEST_ID", err)
	}
}

func TestGate_TimeoutAutoDenies(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(30*time.Millisecond, b, newTestLogger())

	decisions, _ := askAsync(t, g, b, Request{Slot: 1, ToolName: "Edit", Mode: ModeDefault})

	select {
	case d := <-decisions:
		if d.Behavior != BehaviorDeny {
			t.Errorf("Behavior = %q, want deny", d.Behavior)
		}
		if !d.Interrupt {
			t.Error("Interrupt = false, want true on timeout")
		}
		if d.Message != TimeoutMessage {
			t.Errorf("Message = %q, want %q", d.Message, TimeoutMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestGate_BypassPermissionsAutoAllows(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(10*time.Second, b, newTestLogger())

	d := g.Ask(context.Background(), Request{Slot: 3, ToolName: "Bash", Mode: ModeBypassPermissions})
	if d.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want allow", d.Behavior)
	}
	if g.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", g.Pending())
	}
}

func TestGate_RejectSlotRejectsExactlyOnce(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(10*time.Second, b, newTestLogger())

	slot1, _ := askAsync(t, g, b, Request{Slot: 1, ToolName: "Write", Mode: ModeDefault})
	other, _ := askAsync(t, g, b, Request{Slot: 2, ToolName: "Write", Mode: ModeDefault})

	if n := g.RejectSlot(1, "session closed"); n != 1 {
		t.Errorf("RejectSlot(1) = %d, want 1", n)
	}

	d := <-slot1
	if d.Behavior != BehaviorDeny || d.Message != "session closed" {
		t.Errorf("decision = %+v", d)
	}

	// Slot 2's request is untouched.
	select {
	case d := <-other:
		t.Fatalf("slot 2 decision = %+v, want still pending", d)
	case <-time.After(50 * time.Millisecond):
	}

	if n := g.RejectSlot(1, "again"); n != 0 {
		t.Errorf("second RejectSlot(1) = %d, want 0", n)
	}

	g.RejectAll("shutting down")
	<-other
	if g.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", g.Pending())
	}
}

func TestGate_RespondRejectsMalformedBehavior(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(10*time.Second, b, newTestLogger())

	decisions, id := askAsync(t, g, b, Request{Slot: 1, ToolName: "Write", Mode: ModeDefault})

	err := g.Respond(Response{RequestID: id, Behavior: "alow"})
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidArgument) {
		t.Fatalf("Respond() error = %v, want INVALID_ARGUMENT", err)
	}

	// The malformed response must not consume the pending approval.
	if g.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", g.Pending())
	}
	select {
	case d := <-decisions:
		t.Fatalf("decision = %+v, want still pending", d)
	case <-time.After(50 * time.Millisecond):
	}

	if err := g.Respond(Response{RequestID: id, Behavior: BehaviorAllow}); err != nil {
		t.Fatalf("Respond() after malformed attempt error = %v", err)
	}
	if d := <-decisions; d.Behavior != BehaviorAllow {
		t.Fatalf("Behavior = %q, want allow", d.Behavior)
	}
}

func TestGate_ResolutionsArePublished(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger())
	g := NewGate(30*time.Millisecond, b, newTestLogger())

	resolved := make(chan *bus.Event, 4)
	sub, err := b.Subscribe(events.SubjectPermission, func(ctx context.Context, e *bus.Event) error {
		if e.Type == events.PermissionResolved {
			resolved <- e
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	decisions, id := askAsync(t, g, b, Request{Slot: 1, ToolName: "Write", Mode: ModeDefault})
	if err := g.Respond(Response{RequestID: id, Behavior: BehaviorDeny}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	<-decisions

	select {
	case e := <-resolved:
		if e.Data["requestId"] != id || e.Data["behavior"] != BehaviorDeny {
			t.Fatalf("resolution event data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("UI response resolution never published")
	}

	// The timeout path announces its deny the same way.
	timedOut, timeoutID := askAsync(t, g, b, Request{Slot: 2, ToolName: "Bash", Mode: ModeDefault})
	<-timedOut
	select {
	case e := <-resolved:
		if e.Data["requestId"] != timeoutID || e.Data["behavior"] != BehaviorDeny {
			t.Fatalf("timeout resolution event data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout resolution never published")
	}
}
