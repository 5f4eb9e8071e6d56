package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Slot session actions
	ActionSessionStart             = "session.start"
	ActionSessionSend              = "session.send"
	ActionSessionInterrupt         = "session.interrupt"
	ActionSessionClose             = "session.close"
	ActionSessionSetPermissionMode = "session.setPermissionMode"
	ActionSessionStatus            = "session.status"

	// Permission actions
	ActionPermissionRespond = "permission.respond"

	// Slot binding actions
	ActionSlotBind     = "slot.bind"
	ActionSlotUnbind   = "slot.unbind"
	ActionSlotList     = "slot.list"
	ActionSlotActivate = "slot.activate"
	ActionWindowClosed = "window.closed"

	// Project worker actions
	ActionWorkerCall = "worker.call"

	// Turn snapshot actions
	ActionSnapshotCapture = "snapshot.capture"
	ActionSnapshotApply   = "snapshot.apply"
	ActionSnapshotRevert  = "snapshot.revert"
	ActionSnapshotDiff    = "snapshot.diff"

	// Terminal actions
	ActionTerminalCreate  = "terminal.create"
	ActionTerminalWrite   = "terminal.write"
	ActionTerminalResize  = "terminal.resize"
	ActionTerminalBuffer  = "terminal.buffer"
	ActionTerminalScreen  = "terminal.screen"
	ActionTerminalDispose = "terminal.dispose"

	// Notification actions (server -> client)
	ActionEvent = "event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
