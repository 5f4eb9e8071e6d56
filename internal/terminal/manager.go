// Package terminal hosts interactive shell sessions for the workspace: a
// pty-backed process per session with a bounded output ring buffer, falling
// back to plain pipes where no pty is available.
package terminal

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
)

// Options configures a new terminal session.
type Options struct {
	WorkDir string
	Cols    int
	Rows    int
	// ShellCommand overrides shell detection.
	ShellCommand string
	ShellArgs    []string
}

// Info describes a live terminal session.
type Info struct {
	ID      string `json:"id"`
	Shell   string `json:"shell"`
	WorkDir string `json:"workDir"`
	Pid     int    `json:"pid"`
	PTY     bool   `json:"pty"`
}

// Manager owns every terminal session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	bufferBytes int
	bus         bus.EventBus
	logger      *logger.Logger
}

// NewManager creates a terminal manager with the given ring buffer size.
func NewManager(bufferBytes int, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*session),
		bufferBytes: bufferBytes,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "terminal-manager")),
	}
}

type session struct {
	id      string
	shell   string
	workDir string
	cmd     *exec.Cmd

	// Exactly one of pty / stdin is set; plain-pipe sessions cannot resize.
	pty   ptyHandle
	stdin io.WriteCloser

	mu     sync.Mutex
	buffer []byte
	max    int
	term   vt10x.Terminal
	cols   int
	rows   int
	closed bool
	exited chan struct{}
}

// detectShell returns the shell candidates for the current OS, most
// preferred first.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo", "-NoExit"}
		}
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// Create starts a new terminal session and returns its id. A pty is tried
// first; on failure the process runs behind plain pipes.
func (m *Manager) Create(opts Options) (Info, error) {
	shell, args := detectShell()
	if opts.ShellCommand != "" {
		shell = opts.ShellCommand
		args = opts.ShellArgs
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	s := &session{
		id:      uuid.New().String(),
		shell:   shell,
		workDir: opts.WorkDir,
		max:     m.bufferBytes,
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		cols:    cols,
		rows:    rows,
		exited:  make(chan struct{}),
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	s.cmd = cmd

	handle, err := startPTY(cmd, cols, rows)
	if err == nil {
		s.pty = handle
		go m.readOutput(s, handle)
	} else {
		m.logger.Warn("pty start failed, falling back to pipes",
			zap.String("shell", shell), zap.Error(err))
		fallback := exec.Command(shell, args...)
		fallback.Dir = opts.WorkDir
		fallback.Env = cmd.Env
		stdin, pipeErr := fallback.StdinPipe()
		if pipeErr != nil {
			return Info{}, apperrors.OperationFailed("terminal spawn", pipeErr)
		}
		stdout, pipeErr := fallback.StdoutPipe()
		if pipeErr != nil {
			return Info{}, apperrors.OperationFailed("terminal spawn", pipeErr)
		}
		fallback.Stderr = fallback.Stdout
		if startErr := fallback.Start(); startErr != nil {
			return Info{}, apperrors.OperationFailed("terminal spawn", startErr)
		}
		s.cmd = fallback
		s.stdin = stdin
		go m.readOutput(s, stdout)
	}

	go func() {
		_ = s.cmd.Wait()
		close(s.exited)
		m.publish(events.TerminalClosed, map[string]any{"terminalId": s.id})
	}()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("terminal session created",
		zap.String("id", s.id),
		zap.String("shell", shell),
		zap.Bool("pty", s.pty != nil))

	return Info{ID: s.id, Shell: shell, WorkDir: opts.WorkDir, Pid: s.pid(), PTY: s.pty != nil}, nil
}

func (s *session) pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// readOutput pumps process output into the ring buffer, the virtual
// terminal, and the event bus.
func (m *Manager) readOutput(s *session, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.append(data)
			m.publish(events.TerminalOutput, map[string]any{
				"terminalId": s.id,
				"data":       string(data),
			})
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("terminal read ended", zap.String("id", s.id), zap.Error(err))
			}
			return
		}
	}
}

// append stores output, keeping only the most recent window.
func (s *session) append(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, data...)
	if len(s.buffer) > s.max {
		s.buffer = s.buffer[len(s.buffer)-s.max:]
	}
	_, _ = s.term.Write(data)
}

// Write sends input to the session. Unknown ids are a no-op so a stale UI
// cannot error the host.
func (m *Manager) Write(id string, data []byte) error {
	s := m.get(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var err error
	if s.pty != nil {
		_, err = s.pty.Write(data)
	} else if s.stdin != nil {
		_, err = s.stdin.Write(data)
	}
	if err != nil {
		return apperrors.OperationFailed("terminal write", err)
	}
	return nil
}

// Resize changes the pty dimensions. Pipe-backed sessions and unknown ids
// are no-ops.
func (m *Manager) Resize(id string, cols, rows int) {
	s := m.get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pty == nil {
		return
	}
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		m.logger.Debug("terminal resize failed", zap.String("id", id), zap.Error(err))
		return
	}
	s.cols, s.rows = cols, rows
	s.term.Resize(cols, rows)
}

// GetBuffer returns up to maxBytes of the most recent output. Unknown ids
// return nil.
func (m *Manager) GetBuffer(id string, maxBytes int) []byte {
	s := m.get(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result
}

// GetScreen renders buffered output through the virtual terminal, giving a
// reconnecting UI a clean snapshot instead of a raw escape-code replay.
func (m *Manager) GetScreen(id string) []string {
	s := m.get(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, rows := s.cols, s.rows
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, 0, cols)
		for col := 0; col < cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}

// Dispose terminates the session. Unknown ids and repeat calls are no-ops.
func (m *Manager) Dispose(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.pty != nil {
		_ = s.pty.Close()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.exited:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
		}
	}
	m.logger.Info("terminal session disposed", zap.String("id", id))
}

// List reports every live session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, Info{
			ID: s.id, Shell: s.shell, WorkDir: s.workDir, Pid: s.pid(), PTY: s.pty != nil,
		})
	}
	return infos
}

// Shutdown disposes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Dispose(id)
	}
}

func (m *Manager) get(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) publish(eventType string, data map[string]any) {
	evt := bus.NewEvent(eventType, "terminal-manager", data)
	if err := m.bus.Publish(context.Background(), events.SubjectTerminal, evt); err != nil {
		m.logger.WithError(err).Warn("terminal event publish failed")
	}
}
