package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workdeck/workdeck/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// syncWriter makes a bytes.Buffer safe for the client's writer goroutine.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) Lines() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Split(bytes.TrimSpace(w.buf.Bytes()), []byte("\n"))
}

func (w *syncWriter) WaitForLine(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		data := w.buf.Bytes()
		w.mu.Unlock()
		if bytes.Contains(data, []byte("\n")) {
			return w.Lines()[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no line written")
	return nil
}

func TestClient_SendUserMessage(t *testing.T) {
	w := &syncWriter{}
	client := NewClient(w, strings.NewReader(""), newTestLogger())
	client.Start(context.Background())
	defer client.Stop()

	if err := client.SendUserMessage("Hello there"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	line := w.WaitForLine(t)
	var msg UserMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello there" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello there")
	}
}

func TestClient_SendUserMessageAfterEndInput(t *testing.T) {
	client := NewClient(io.Discard, strings.NewReader(""), newTestLogger())
	client.EndInput()

	if err := client.SendUserMessage("too late"); err == nil {
		t.Fatal("SendUserMessage() after EndInput = nil, want error")
	}
	// EndInput is idempotent.
	client.EndInput()
}

func TestClient_SessionIDFromSystemMessage(t *testing.T) {
	stdout := `{"type":"system","subtype":"init","session_id":"abc"}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(stdout), newTestLogger())
	client.Start(context.Background())
	defer client.Stop()

	select {
	case <-client.SessionKnown():
	case <-time.After(2 * time.Second):
		t.Fatal("session id never observed")
	}

	if got := client.SessionID(); got != "abc" {
		t.Errorf("SessionID() = %q, want %q", got, "abc")
	}
}

func TestClient_ControlRequestDispatch(t *testing.T) {
	stdout := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(stdout), newTestLogger())

	received := make(chan *ControlRequest, 1)
	ids := make(chan string, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		ids <- requestID
		received <- req
	})

	client.Start(context.Background())
	defer client.Stop()

	select {
	case req := <-received:
		if req.Subtype != SubtypeCanUseTool {
			t.Errorf("Subtype = %q, want %q", req.Subtype, SubtypeCanUseTool)
		}
		if req.ToolName != "Bash" {
			t.Errorf("ToolName = %q, want %q", req.ToolName, "Bash")
		}
		if id := <-ids; id != "req-1" {
			t.Errorf("requestID = %q, want %q", id, "req-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control request never dispatched")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	w := &syncWriter{}
	client := NewClient(w, strings.NewReader(""), newTestLogger())

	interrupt := true
	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior:  BehaviorDeny,
				Interrupt: &interrupt,
			},
		},
	}

	if err := client.SendControlResponse(resp); err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	if err := json.Unmarshal(w.Lines()[0], &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if parsed.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", parsed.RequestID, "req123")
	}
	if parsed.Response.Result.Behavior != BehaviorDeny {
		t.Errorf("Behavior = %q, want %q", parsed.Response.Result.Behavior, BehaviorDeny)
	}
}

func TestClient_MessageHandlerReceivesStream(t *testing.T) {
	stdout := `{"type":"assistant","session_id":"abc"}` + "\n" +
		`{"type":"result","session_id":"abc","is_error":false}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(stdout), newTestLogger())

	types := make(chan string, 2)
	client.SetMessageHandler(func(msg *CLIMessage) {
		types <- msg.Type
	})

	client.Start(context.Background())
	defer client.Stop()

	for _, want := range []string{MessageTypeAssistant, MessageTypeResult} {
		select {
		case got := <-types:
			if got != want {
				t.Errorf("message type = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never delivered", want)
		}
	}
}
