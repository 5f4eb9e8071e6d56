package terminal

import (
	"bytes"
	"testing"

	"github.com/tuzig/vt10x"

	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func newTestManager(bufferBytes int) *Manager {
	log := newTestLogger()
	return NewManager(bufferBytes, bus.NewMemoryEventBus(log), log)
}

func newBufferSession(max int) *session {
	return &session{
		id:     "t1",
		max:    max,
		term:   vt10x.New(vt10x.WithSize(80, 24)),
		cols:   80,
		rows:   24,
		exited: make(chan struct{}),
	}
}

func TestSession_RingBufferKeepsMostRecent(t *testing.T) {
	s := newBufferSession(10)

	s.append([]byte("0123456789"))
	s.append([]byte("abcdef"))

	if got := string(s.buffer); got != "6789abcdef" {
		t.Fatalf("buffer = %q, want most recent 10 bytes", got)
	}
}

func TestSession_RingBufferLargeSingleWrite(t *testing.T) {
	s := newBufferSession(8)

	s.append(bytes.Repeat([]byte("x"), 100))
	if len(s.buffer) != 8 {
		t.Fatalf("buffer length = %d, want 8", len(s.buffer))
	}
}

func TestManager_GetBufferBoundedTail(t *testing.T) {
	m := newTestManager(1024)
	s := newBufferSession(1024)
	m.sessions[s.id] = s
	s.append([]byte("hello, terminal"))

	got := m.GetBuffer("t1", 8)
	if string(got) != "terminal" {
		t.Fatalf("GetBuffer() = %q, want the 8-byte tail", got)
	}

	full := m.GetBuffer("t1", 0)
	if string(full) != "hello, terminal" {
		t.Fatalf("GetBuffer(0) = %q", full)
	}
}

func TestManager_UnknownIDsAreNoops(t *testing.T) {
	m := newTestManager(1024)

	if err := m.Write("ghost", []byte("ls\n")); err != nil {
		t.Fatalf("Write() on unknown id error = %v", err)
	}
	m.Resize("ghost", 120, 40)
	if out := m.GetBuffer("ghost", 0); out != nil {
		t.Fatalf("GetBuffer() on unknown id = %v, want nil", out)
	}
	if lines := m.GetScreen("ghost"); lines != nil {
		t.Fatalf("GetScreen() on unknown id = %v, want nil", lines)
	}
	m.Dispose("ghost")
	m.Dispose("ghost")
}

func TestManager_GetScreenRendersEscapeCodes(t *testing.T) {
	m := newTestManager(1024)
	s := newBufferSession(1024)
	m.sessions[s.id] = s

	// Colored output renders as plain text on the virtual screen.
	s.append([]byte("\x1b[31mred\x1b[0m text"))

	lines := m.GetScreen("t1")
	if len(lines) != 24 {
		t.Fatalf("screen rows = %d, want 24", len(lines))
	}
	if got := lines[0][:8]; got != "red text" {
		t.Fatalf("line 0 = %q, want rendered text without escapes", got)
	}
}

func TestDetectShell_ReturnsSomething(t *testing.T) {
	shell, _ := detectShell()
	if shell == "" {
		t.Fatal("no shell detected")
	}
}
