// Package session manages per-slot agent sessions: one state machine per
// (slot, backend) pair, at most one live agent process each.
package session

import (
	"context"
	"sync"
)

// Backend identifies which agent CLI protocol a session speaks.
type Backend string

const (
	// BackendClaude is the Claude Code stream-json CLI protocol.
	BackendClaude Backend = "claude"
	// BackendCodex is the Codex JSON-RPC CLI protocol.
	BackendCodex Backend = "codex"
)

// Status is the agent session state machine.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusExited   Status = "exited"
	StatusError    Status = "error"
)

// MinSlot and MaxSlot bound the workspace slot range.
const (
	MinSlot = 1
	MaxSlot = 8
)

// PermissionRequest is a backend-neutral tool approval request surfaced by
// a live agent process.
type PermissionRequest struct {
	ToolName    string
	ToolInput   map[string]any
	Suggestions []map[string]any
	ToolUseID   string
}

// PermissionDecision is the backend-neutral answer.
type PermissionDecision struct {
	Allow              bool
	UpdatedInput       map[string]any
	UpdatedPermissions []map[string]any
	Message            string
	Interrupt          bool
}

// LaunchSpec describes an agent process to start.
type LaunchSpec struct {
	Slot        int
	Backend     Backend
	ProjectRoot string
	// ResumeSessionID resumes an on-disk session when non-empty.
	ResumeSessionID string
	// Fork starts a forked copy of the resumed session.
	Fork bool
	// SystemPrompt is the context string identifying the project root.
	SystemPrompt string
	// Mode returns the session's current permission mode; it is consulted
	// per tool call so mode changes apply to in-flight turns.
	Mode func() string
	// Permission resolves a tool approval request, blocking until decided.
	Permission func(ctx context.Context, req PermissionRequest) PermissionDecision
	// Emit publishes a stream event for this session.
	Emit func(eventType string, data map[string]any)
}

// AgentProcess is one live agent child process.
type AgentProcess interface {
	// SessionID returns the best-known session id, possibly empty until
	// the process reports it.
	SessionID() string
	// SessionKnown is closed once the assigned session id is observed.
	SessionKnown() <-chan struct{}
	// SendUserMessage pushes a prompt onto the process's input stream.
	SendUserMessage(content string) error
	// Interrupt asks the process to stop the current turn, best-effort.
	Interrupt() error
	// SetPermissionMode propagates a mode change, best-effort.
	SetPermissionMode(mode string) error
	// EndInput requests graceful input stream termination.
	EndInput()
	// Kill force-terminates the process.
	Kill()
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher spawns agent processes. Injected so tests can substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (AgentProcess, error)
}

// slotSession is the state for one (slot, backend) pair.
type slotSession struct {
	// opMu serializes operations on this session; the registry's own lock
	// only guards the session map.
	opMu sync.Mutex

	slot        int
	backend     Backend
	projectRoot string
	sessionID   string
	mode        string
	fork        bool
	status      Status
	proc        AgentProcess
	// gen increments per spawned process so stale exit watchers can tell
	// they no longer own the session.
	gen uint64
}

// Snapshot is a read-only view of a slot session for status reporting.
type Snapshot struct {
	Slot        int     `json:"slot"`
	Backend     Backend `json:"backend"`
	ProjectRoot string  `json:"projectRoot"`
	SessionID   string  `json:"sessionId"`
	Mode        string  `json:"permissionMode"`
	Status      Status  `json:"status"`
	Live        bool    `json:"live"`
}
