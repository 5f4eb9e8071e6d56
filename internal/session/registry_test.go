package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
	"github.com/workdeck/workdeck/internal/permission"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

type fakeProcess struct {
	mu         sync.Mutex
	id         string
	known      chan struct{}
	done       chan struct{}
	sent       []string
	interrupts int
	inputEnded bool
	killed     bool
	mode       string
	sendErr    error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		known: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// reportSessionID simulates the process announcing its assigned id.
func (p *fakeProcess) reportSessionID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" {
		p.id = id
		close(p.known)
	}
}

func (p *fakeProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *fakeProcess) SessionKnown() <-chan struct{} { return p.known }

func (p *fakeProcess) SendUserMessage(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, content)
	return nil
}

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	return nil
}

func (p *fakeProcess) SetPermissionMode(mode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	return nil
}

// EndInput closes the done channel like a process exiting after its input
// stream drains.
func (p *fakeProcess) EndInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inputEnded {
		p.inputEnded = true
		close(p.done)
	}
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	if !p.inputEnded {
		p.inputEnded = true
		close(p.done)
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []LaunchSpec
	procs   []*fakeProcess
	nextErr error
	// sessionID is reported by each launched process shortly after launch.
	sessionID string
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (AgentProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextErr != nil {
		err := l.nextErr
		l.nextErr = nil
		return nil, err
	}
	proc := newFakeProcess()
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, proc)
	if l.sessionID != "" {
		id := l.sessionID
		go func() {
			time.Sleep(20 * time.Millisecond)
			proc.reportSessionID(id)
		}()
	}
	return proc, nil
}

func (l *fakeLauncher) lastSpec() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func newTestRegistry(launcher Launcher) (*Registry, *permission.Gate, bus.EventBus) {
	log := newTestLogger()
	b := bus.NewMemoryEventBus(log)
	gate := permission.NewGate(10*time.Second, b, log)
	reg := NewRegistry(launcher, gate, b, time.Second, log)
	reg.killGrace = 100 * time.Millisecond
	return reg, gate, b
}

func TestRegistry_SendBeforeStart(t *testing.T) {
	reg, _, _ := newTestRegistry(&fakeLauncher{})

	err := reg.SendUserMessage(1, BackendClaude, "hello")
	if !apperrors.HasCode(err, apperrors.ErrCodeNotStarted) {
		t.Fatalf("SendUserMessage() error = %v, want NOT_STARTED", err)
	}
}

func TestRegistry_EmptyMessageRejected(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, _ := newTestRegistry(launcher)

	if _, err := reg.EnsureStarted(context.Background(), StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	err := reg.SendUserMessage(1, BackendClaude, "   \n\t")
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidArgument) {
		t.Fatalf("SendUserMessage() error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestRegistry_StartRequiresProjectRoot(t *testing.T) {
	reg, _, _ := newTestRegistry(&fakeLauncher{})

	_, err := reg.EnsureStarted(context.Background(), StartParams{Slot: 1, Backend: BackendClaude})
	if !apperrors.HasCode(err, apperrors.ErrCodeProjectUnbound) {
		t.Fatalf("EnsureStarted() error = %v, want PROJECT_UNBOUND", err)
	}
}

func TestRegistry_SessionIDWaitResolves(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, _ := newTestRegistry(launcher)

	res, err := reg.EnsureStarted(context.Background(), StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	})
	if err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if res.SessionID != "abc" {
		t.Fatalf("SessionID = %q, want %q", res.SessionID, "abc")
	}
	if res.Status != StatusReady {
		t.Fatalf("Status = %q, want %q", res.Status, StatusReady)
	}
}

func TestRegistry_SessionIDWaitIsBounded(t *testing.T) {
	launcher := &fakeLauncher{} // never reports an id
	reg, _, _ := newTestRegistry(launcher)
	reg.sessionIDWait = 50 * time.Millisecond

	start := time.Now()
	res, err := reg.EnsureStarted(context.Background(), StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	})
	if err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("EnsureStarted blocked %v waiting for a session id", elapsed)
	}
	if res.SessionID != "" {
		t.Fatalf("SessionID = %q, want empty", res.SessionID)
	}
}

func TestRegistry_IdempotentWhenSameSession(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, _ := newTestRegistry(launcher)

	ctx := context.Background()
	params := StartParams{Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj"}
	if _, err := reg.EnsureStarted(ctx, params); err != nil {
		t.Fatalf("first EnsureStarted() error = %v", err)
	}
	res, err := reg.EnsureStarted(ctx, params)
	if err != nil {
		t.Fatalf("second EnsureStarted() error = %v", err)
	}
	if res.Started {
		t.Fatal("second EnsureStarted() spawned a new process")
	}
	launcher.mu.Lock()
	n := len(launcher.procs)
	launcher.mu.Unlock()
	if n != 1 {
		t.Fatalf("launched %d processes, want 1", n)
	}
}

func TestRegistry_SessionSwitchTearsDownOldProcess(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, gate, b := newTestRegistry(launcher)

	ctx := context.Background()
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}

	// Park an approval on the old process, then switch sessions.
	ids := make(chan string, 1)
	sub, err := b.Subscribe(events.SubjectPermission, func(ctx context.Context, e *bus.Event) error {
		ids <- e.Data["requestId"].(string)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	decisions := make(chan permission.Decision, 1)
	go func() {
		decisions <- gate.Ask(ctx, permission.Request{Slot: 1, ToolName: "Bash", Mode: permission.ModeDefault})
	}()
	select {
	case <-ids:
	case <-time.After(2 * time.Second):
		t.Fatal("approval never published")
	}

	launcher.mu.Lock()
	launcher.sessionID = "xyz"
	launcher.mu.Unlock()
	res, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj", SessionID: "xyz",
	})
	if err != nil {
		t.Fatalf("switch EnsureStarted() error = %v", err)
	}
	if res.SessionID != "xyz" {
		t.Fatalf("SessionID = %q, want %q", res.SessionID, "xyz")
	}

	select {
	case d := <-decisions:
		if d.Behavior != permission.BehaviorDeny {
			t.Fatalf("stale approval behavior = %q, want deny", d.Behavior)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale approval never rejected")
	}

	old := launcher.proc(0)
	old.mu.Lock()
	interrupted, ended := old.interrupts > 0, old.inputEnded
	old.mu.Unlock()
	if !interrupted {
		t.Fatal("old process never interrupted")
	}
	if !ended {
		t.Fatal("old process input stream never closed")
	}
}

func TestRegistry_CloseResetsToIdle(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, gate, _ := newTestRegistry(launcher)

	ctx := context.Background()
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 2, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}

	reg.Close(2, BackendClaude)

	snap := reg.Snapshot(2, BackendClaude)
	if snap.Status != StatusIdle {
		t.Fatalf("Status = %q, want idle", snap.Status)
	}
	if snap.Live {
		t.Fatal("session still reports a live process")
	}
	if snap.SessionID != "" {
		t.Fatalf("SessionID = %q, want empty after close", snap.SessionID)
	}
	if gate.Pending() != 0 {
		t.Fatalf("gate still has %d pending approvals", gate.Pending())
	}

	// Closing an idle session is a no-op.
	reg.Close(2, BackendClaude)
}

func TestRegistry_ForkFlagIsOneShot(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, _ := newTestRegistry(launcher)

	ctx := context.Background()
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj", SessionID: "base", Fork: true,
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if !launcher.lastSpec().Fork {
		t.Fatal("first launch should fork")
	}

	reg.Close(1, BackendClaude)
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj", SessionID: "base",
	}); err != nil {
		t.Fatalf("restart EnsureStarted() error = %v", err)
	}
	if launcher.lastSpec().Fork {
		t.Fatal("fork flag leaked into second launch")
	}
}

func TestRegistry_SetPermissionModeValidatesAndPropagates(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, _ := newTestRegistry(launcher)

	if err := reg.SetPermissionMode(1, BackendClaude, "yolo"); !apperrors.HasCode(err, apperrors.ErrCodeInvalidArgument) {
		t.Fatalf("SetPermissionMode(yolo) error = %v, want INVALID_ARGUMENT", err)
	}

	// Mode set before start reports not_started but is recorded and used
	// at launch.
	if err := reg.SetPermissionMode(1, BackendClaude, permission.ModeAcceptEdits); !apperrors.HasCode(err, apperrors.ErrCodeNotStarted) {
		t.Fatalf("SetPermissionMode() before start error = %v, want NOT_STARTED", err)
	}
	if _, err := reg.EnsureStarted(context.Background(), StartParams{
		Slot: 1, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if got := launcher.lastSpec().Mode(); got != permission.ModeAcceptEdits {
		t.Fatalf("launch mode = %q, want %q", got, permission.ModeAcceptEdits)
	}

	if err := reg.SetPermissionMode(1, BackendClaude, permission.ModePlan); err != nil {
		t.Fatalf("SetPermissionMode() error = %v", err)
	}
	proc := launcher.proc(0)
	proc.mu.Lock()
	mode := proc.mode
	proc.mu.Unlock()
	if mode != permission.ModePlan {
		t.Fatalf("propagated mode = %q, want %q", mode, permission.ModePlan)
	}
}

func TestRegistry_InterruptUnknownSessionIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(&fakeLauncher{})
	reg.Interrupt(5, BackendCodex)
}

func TestRegistry_StreamEventsTagSlot(t *testing.T) {
	launcher := &fakeLauncher{sessionID: "abc"}
	reg, _, b := newTestRegistry(launcher)

	got := make(chan *bus.Event, 4)
	sub, err := b.Subscribe(events.SubjectAgentStream, func(ctx context.Context, e *bus.Event) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 3, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if err := reg.SendUserMessage(3, BackendClaude, "run the tests"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	select {
	case e := <-got:
		if e.Data["slot"] != 3 {
			t.Fatalf("slot = %v, want 3", e.Data["slot"])
		}
		if s, _ := e.Data["content"].(string); !strings.Contains(s, "run the tests") {
			t.Fatalf("content = %v", e.Data["content"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stream event published")
	}
}

func TestRegistry_StderrEventsCarryOwnType(t *testing.T) {
	launcher := &fakeLauncher{}
	reg, _, b := newTestRegistry(launcher)

	got := make(chan *bus.Event, 4)
	sub, err := b.Subscribe(events.SubjectAgentStream, func(ctx context.Context, e *bus.Event) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	if _, err := reg.EnsureStarted(ctx, StartParams{
		Slot: 2, Backend: BackendClaude, ProjectRoot: "/tmp/proj",
	}); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}

	launcher.mu.Lock()
	emit := launcher.specs[0].Emit
	launcher.mu.Unlock()
	emit("stderr", map[string]any{"line": "warning: deprecated flag"})

	select {
	case e := <-got:
		if e.Type != events.AgentStderr {
			t.Fatalf("event type = %q, want %q", e.Type, events.AgentStderr)
		}
		if e.Data["kind"] != "stderr" || e.Data["slot"] != 2 {
			t.Fatalf("event data = %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stderr event published")
	}
}
