package websocket

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events/bus"
	"github.com/workdeck/workdeck/internal/permission"
	"github.com/workdeck/workdeck/internal/persistence"
	"github.com/workdeck/workdeck/internal/session"
	"github.com/workdeck/workdeck/internal/snapshot"
	"github.com/workdeck/workdeck/internal/worker"
	ws "github.com/workdeck/workdeck/pkg/websocket"
)

type stubProcess struct {
	killed bool
	done   chan struct{}
}

func newStubProcess() *stubProcess {
	return &stubProcess{done: make(chan struct{})}
}

func (p *stubProcess) SessionID() string                    { return "sess-test" }
func (p *stubProcess) SessionKnown() <-chan struct{}        { ch := make(chan struct{}); close(ch); return ch }
func (p *stubProcess) SendUserMessage(content string) error { return nil }
func (p *stubProcess) Interrupt() error                     { return nil }
func (p *stubProcess) SetPermissionMode(mode string) error  { return nil }
func (p *stubProcess) EndInput()                            {}
func (p *stubProcess) Kill() {
	if !p.killed {
		p.killed = true
		close(p.done)
	}
}
func (p *stubProcess) Done() <-chan struct{} { return p.done }

type stubLauncher struct{}

func (l *stubLauncher) Launch(ctx context.Context, spec session.LaunchSpec) (session.AgentProcess, error) {
	return newStubProcess(), nil
}

type stubHandle struct{}

func (h *stubHandle) Call(ctx context.Context, verb string, payload any) (json.RawMessage, error) {
	return json.RawMessage(`{"handled":"` + verb + `"}`), nil
}
func (h *stubHandle) OnEvent(fn func(payload json.RawMessage)) {}
func (h *stubHandle) Stop()                                    {}
func (h *stubHandle) Done() <-chan struct{}                    { return nil }

type stubSpawner struct{}

func (s *stubSpawner) Spawn(ctx context.Context, projectID, projectPath string) (worker.Handle, error) {
	return &stubHandle{}, nil
}

func newTestServices(t *testing.T) (Services, *ws.Dispatcher) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	gate := permission.NewGate(time.Second, eventBus, log)
	registry := session.NewRegistry(&stubLauncher{}, gate, eventBus, time.Second, log)
	t.Cleanup(registry.CloseAll)
	supervisor := worker.NewSupervisor(&stubSpawner{}, time.Minute, eventBus, log)
	t.Cleanup(supervisor.Shutdown)

	db, closeDB, err := persistence.Open(filepath.Join(t.TempDir(), "workdeck.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { closeDB() })

	svc := Services{
		Registry:   registry,
		Gate:       gate,
		Supervisor: supervisor,
		Snapshots:  snapshot.NewStore(t.TempDir(), 1<<20, log),
		Terminals:  nil,
		Slots:      persistence.NewSlotStore(db),
		Bus:        eventBus,
	}
	d := ws.NewDispatcher()
	registerHandlers(d, svc)
	return svc, d
}

func errorCode(t *testing.T, resp *ws.Message) string {
	t.Helper()
	var ep ws.ErrorPayload
	if err := resp.ParsePayload(&ep); err != nil {
		t.Fatalf("parse error payload: %v", err)
	}
	return ep.Code
}

func request(t *testing.T, action string, payload any) *ws.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &ws.Message{ID: "req-1", Type: ws.MessageTypeRequest, Action: action, Payload: raw}
}

func dispatch(t *testing.T, d *ws.Dispatcher, action string, payload any) *ws.Message {
	t.Helper()
	resp, err := d.Dispatch(context.Background(), request(t, action, payload))
	if err != nil {
		t.Fatalf("dispatch %s: %v", action, err)
	}
	return resp
}

func TestDispatchHealthCheck(t *testing.T) {
	_, d := newTestServices(t)
	resp := dispatch(t, d, ws.ActionHealthCheck, nil)
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response, got %s", resp.Type)
	}
	var body map[string]string
	if err := resp.ParsePayload(&body); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %q", body["status"])
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	_, d := newTestServices(t)
	resp := dispatch(t, d, "no.such.action", nil)
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected error response, got %s", resp.Type)
	}
	if code := errorCode(t, resp); code != ws.ErrorCodeUnknownAction {
		t.Fatalf("expected UNKNOWN_ACTION, got %s", code)
	}
}

func TestSessionStartAndStatus(t *testing.T) {
	_, d := newTestServices(t)

	resp := dispatch(t, d, ws.ActionSessionStart, map[string]any{
		"slot": 1, "backend": "claude", "projectRoot": "/tmp/proj",
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("start failed: %s", errorCode(t, resp))
	}
	var start struct {
		SessionID string `json:"sessionId"`
		Started   bool   `json:"started"`
	}
	if err := resp.ParsePayload(&start); err != nil {
		t.Fatalf("parse start: %v", err)
	}
	if !start.Started || start.SessionID != "sess-test" {
		t.Fatalf("unexpected start result: %+v", start)
	}

	resp = dispatch(t, d, ws.ActionSessionStatus, map[string]any{"slot": 1, "backend": "claude"})
	var snap session.Snapshot
	if err := resp.ParsePayload(&snap); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if !snap.Live || snap.ProjectRoot != "/tmp/proj" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSessionStartRejectsBadSlot(t *testing.T) {
	_, d := newTestServices(t)
	resp := dispatch(t, d, ws.ActionSessionStart, map[string]any{
		"slot": 42, "backend": "claude", "projectRoot": "/tmp/proj",
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected error for out-of-range slot")
	}
	if code := errorCode(t, resp); code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", code)
	}
}

func TestSlotBindListUnbind(t *testing.T) {
	_, d := newTestServices(t)

	resp := dispatch(t, d, ws.ActionSlotBind, map[string]any{
		"slot": 3, "backend": "claude", "projectId": "proj-a", "projectRoot": "/tmp/a",
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("bind failed: %s", errorCode(t, resp))
	}

	resp = dispatch(t, d, ws.ActionSlotList, nil)
	var bindings []persistence.Binding
	if err := resp.ParsePayload(&bindings); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(bindings) != 1 || bindings[0].ProjectID != "proj-a" {
		t.Fatalf("unexpected bindings: %+v", bindings)
	}

	dispatch(t, d, ws.ActionSlotUnbind, map[string]any{"slot": 3, "backend": "claude"})
	resp = dispatch(t, d, ws.ActionSlotList, nil)
	bindings = nil
	if err := resp.ParsePayload(&bindings); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("expected empty after unbind, got %+v", bindings)
	}
}

func TestWorkerCallThroughGateway(t *testing.T) {
	_, d := newTestServices(t)

	dispatch(t, d, ws.ActionSlotBind, map[string]any{
		"slot": 1, "projectId": "proj-a", "projectRoot": "/tmp/a",
	})
	dispatch(t, d, ws.ActionSlotActivate, map[string]any{"windowId": "win-1", "slot": 1})

	resp := dispatch(t, d, ws.ActionWorkerCall, map[string]any{
		"projectId": "proj-a", "verb": "fs.listDir", "payload": map[string]any{"path": "."},
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("worker call failed: %s", errorCode(t, resp))
	}
	var out map[string]string
	if err := resp.ParsePayload(&out); err != nil {
		t.Fatalf("parse worker result: %v", err)
	}
	if out["handled"] != "fs.listDir" {
		t.Fatalf("unexpected worker result: %+v", out)
	}
}

func TestSnapshotCaptureAndDiff(t *testing.T) {
	_, d := newTestServices(t)

	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "file.txt"), []byte("before"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	resp := dispatch(t, d, ws.ActionSnapshotCapture, map[string]any{
		"threadId": "th-1", "turnId": "turn-1", "cwd": cwd, "paths": []string{"file.txt"},
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("capture failed: %s", errorCode(t, resp))
	}

	if err := os.WriteFile(filepath.Join(cwd, "file.txt"), []byte("after"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	resp = dispatch(t, d, ws.ActionSnapshotDiff, map[string]any{
		"threadId": "th-1", "turnId": "turn-1", "relPath": "file.txt",
	})
	var diff snapshot.Diff
	if err := resp.ParsePayload(&diff); err != nil {
		t.Fatalf("parse diff: %v", err)
	}
	if diff.Before != "before" || diff.After != "after" {
		t.Fatalf("unexpected diff: %+v", diff)
	}
}

func TestSnapshotDiffMissingTurn(t *testing.T) {
	_, d := newTestServices(t)
	resp := dispatch(t, d, ws.ActionSnapshotDiff, map[string]any{
		"threadId": "th-x", "turnId": "turn-x", "relPath": "file.txt",
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected error for missing snapshot")
	}
	if code := errorCode(t, resp); code != "NO_SNAPSHOT" {
		t.Fatalf("expected NO_SNAPSHOT, got %s", code)
	}
}

func TestPermissionRespondUnknownRequest(t *testing.T) {
	_, d := newTestServices(t)
	resp := dispatch(t, d, ws.ActionPermissionRespond, map[string]any{
		"requestId": "nope", "behavior": "allow",
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected error for unknown request id")
	}
	if code := errorCode(t, resp); code != "UNKNOWN_REQUEST_ID" {
		t.Fatalf("expected UNKNOWN_REQUEST_ID, got %s", code)
	}
}
