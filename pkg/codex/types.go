// Package codex provides types and client for the Codex CLI JSON-RPC protocol.
// Unlike standard JSON-RPC 2.0, Codex omits the "jsonrpc":"2.0" field.
package codex

import "encoding/json"

// Request is an outbound JSON-RPC request.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no response expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes
const (
	MethodNotFound = -32601
)

// Codex request methods (client → server)
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadFork    = "thread/fork"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Codex notification methods (server → client)
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemCmdExecRequestApproval = "item/commandExecution/requestApproval"
	NotifyItemFileChangeApproval     = "item/fileChange/requestApproval"
	NotifyError                      = "error"
)

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams for thread/start
type ThreadStartParams struct {
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
}

// ThreadResumeParams for thread/resume and thread/fork
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// Thread represents a Codex thread (conversation)
type Thread struct {
	ID string `json:"id"`
}

// ThreadResult wraps the thread returned by thread/start, resume and fork.
type ThreadResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput represents input to a turn
type UserInput struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// TurnStartParams for turn/start
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams for turn/interrupt
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// ApprovalParams is the payload of a requestApproval reverse request.
type ApprovalParams struct {
	ThreadID string          `json:"threadId"`
	ItemID   string          `json:"itemId"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// ApprovalResult answers a requestApproval reverse request.
type ApprovalResult struct {
	Decision string `json:"decision"` // "accept" or "decline"
}
