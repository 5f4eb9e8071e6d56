// Package events provides event types and subjects for the Workdeck event system.
package events

// Subjects on the event bus. UI surfaces subscribe to "workdeck.>".
const (
	SubjectAgentStream  = "workdeck.agent.stream"
	SubjectAgentStatus  = "workdeck.agent.status"
	SubjectPermission   = "workdeck.permission.request"
	SubjectWorkerEvent  = "workdeck.worker.event"
	SubjectWorkerStatus = "workdeck.worker.status"
	SubjectTerminal     = "workdeck.terminal.output"
)

// Event types for agent sessions
const (
	AgentStatusChanged = "agent.status_changed"
	AgentStream        = "agent.stream"
	AgentStderr        = "agent.stderr"
)

// Event types for the permission gate
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Event types for project workers
const (
	WorkerEvent   = "worker.event"
	WorkerSpawned = "worker.spawned"
	WorkerFrozen  = "worker.frozen"
	WorkerThawed  = "worker.thawed"
)

// Event types for terminal sessions
const (
	TerminalOutput = "terminal.output"
	TerminalClosed = "terminal.closed"
)
