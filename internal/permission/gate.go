// Package permission implements the human-in-the-loop approval gate for
// agent tool calls.
//
// Every tool invocation that is not blanket-approved becomes a pending
// approval: a cancellable future with an attached one-shot timer. Exactly
// one of three things resolves it — a UI response, a bulk reject when the
// session closes, or the timeout — and the loser paths find the entry
// already gone.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
)

// Modes controlling whether tool-use approval is solicited from the UI.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModePlan              = "plan"
	ModeBypassPermissions = "bypassPermissions"
)

// ValidMode reports whether mode is one of the recognized permission modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return true
	}
	return false
}

// Behaviors a decision can carry.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// TimeoutMessage is the fixed message attached to timed-out approvals.
const TimeoutMessage = "permission request timed out waiting for user response"

// Request describes a tool call awaiting approval.
type Request struct {
	Slot        int
	SessionID   string
	ToolName    string
	ToolInput   map[string]any
	Suggestions []map[string]any
	ToolUseID   string
	// Mode is the requesting session's permission mode.
	Mode string
}

// Decision is the terminal outcome of an approval request.
type Decision struct {
	Behavior           string
	UpdatedInput       map[string]any
	UpdatedPermissions []map[string]any
	Message            string
	Interrupt          bool
}

// Response is what the UI sends back for a pending request.
type Response struct {
	RequestID          string           `json:"requestId"`
	Behavior           string           `json:"behavior"`
	UpdatedInput       map[string]any   `json:"updatedInput,omitempty"`
	UpdatedPermissions []map[string]any `json:"updatedPermissions,omitempty"`
	Interrupt          bool             `json:"interrupt,omitempty"`
}

// pendingApproval is the future half of one approval request.
type pendingApproval struct {
	requestID string
	slot      int
	decision  chan Decision // buffered; written exactly once
	timer     *time.Timer
}

// Gate turns agent tool-use requests into UI-visible approval requests
// with a bounded wait and a fail-safe deny default.
type Gate struct {
	timeout time.Duration
	bus     bus.EventBus
	logger  *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewGate creates a permission gate publishing requests on eventBus.
func NewGate(timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Gate {
	return &Gate{
		timeout: timeout,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "permission-gate")),
		pending: make(map[string]*pendingApproval),
	}
}

// Ask blocks until the request is allowed, denied, or times out.
// bypassPermissions mode auto-allows without consulting the UI.
func (g *Gate) Ask(ctx context.Context, req Request) Decision {
	if req.Mode == ModeBypassPermissions {
		g.logger.Info("auto-allowing tool call (bypassPermissions)",
			zap.Int("slot", req.Slot),
			zap.String("tool", req.ToolName))
		return Decision{Behavior: BehaviorAllow}
	}

	requestID := uuid.New().String()
	p := &pendingApproval{
		requestID: requestID,
		slot:      req.Slot,
		decision:  make(chan Decision, 1),
	}
	p.timer = time.AfterFunc(g.timeout, func() {
		if g.resolve(requestID, Decision{
			Behavior:  BehaviorDeny,
			Message:   TimeoutMessage,
			Interrupt: true,
		}) {
			g.logger.Warn("permission request timed out",
				zap.String("request_id", requestID),
				zap.Int("slot", req.Slot),
				zap.String("tool", req.ToolName))
		}
	})

	g.mu.Lock()
	g.pending[requestID] = p
	g.mu.Unlock()

	g.publishRequest(ctx, requestID, req)

	select {
	case d := <-p.decision:
		return d
	case <-ctx.Done():
		// Caller gave up (session closing); treat as a deny.
		g.resolve(requestID, Decision{Behavior: BehaviorDeny, Message: "session closed"})
		return <-p.decision
	}
}

// Respond resolves a pending request with the UI's answer. A behavior
// other than allow or deny is rejected before the pending entry is
// touched, so a malformed response never consumes the approval. Returns
// UNKNOWN_REQUEST_ID for stale or already-resolved requests.
func (g *Gate) Respond(resp Response) error {
	if resp.Behavior != BehaviorAllow && resp.Behavior != BehaviorDeny {
		return apperrors.InvalidArgument(fmt.Sprintf("behavior %q is not %q or %q",
			resp.Behavior, BehaviorAllow, BehaviorDeny))
	}

	ok := g.resolve(resp.RequestID, Decision{
		Behavior:           resp.Behavior,
		UpdatedInput:       resp.UpdatedInput,
		UpdatedPermissions: resp.UpdatedPermissions,
		Interrupt:          resp.Interrupt,
	})
	if !ok {
		return apperrors.UnknownRequestID(resp.RequestID)
	}

	g.logger.Info("permission request resolved",
		zap.String("request_id", resp.RequestID),
		zap.String("behavior", resp.Behavior))
	return nil
}

// RejectSlot denies every pending approval for a slot with a terminal
// message. Used when that slot's session closes so cleanup is
// deterministic rather than waiting out timers.
func (g *Gate) RejectSlot(slot int, message string) int {
	return g.rejectMatching(func(p *pendingApproval) bool { return p.slot == slot }, message)
}

// RejectAll denies every pending approval. Used on host shutdown.
func (g *Gate) RejectAll(message string) int {
	return g.rejectMatching(func(*pendingApproval) bool { return true }, message)
}

// Pending returns the number of unresolved approval requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) rejectMatching(match func(*pendingApproval) bool, message string) int {
	g.mu.Lock()
	var victims []*pendingApproval
	for _, p := range g.pending {
		if match(p) {
			victims = append(victims, p)
		}
	}
	g.mu.Unlock()

	for _, p := range victims {
		g.resolve(p.requestID, Decision{Behavior: BehaviorDeny, Message: message, Interrupt: true})
	}
	return len(victims)
}

// resolve removes the pending entry and delivers d. Only the first caller
// for a given id wins; the timer is always stopped.
func (g *Gate) resolve(requestID string, d Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.decision <- d
	g.publishResolution(p, d)
	return true
}

func (g *Gate) publishRequest(ctx context.Context, requestID string, req Request) {
	event := bus.NewEvent(events.PermissionRequested, "permission-gate", map[string]interface{}{
		"requestId":   requestID,
		"slot":        req.Slot,
		"sessionId":   req.SessionID,
		"toolName":    req.ToolName,
		"toolInput":   req.ToolInput,
		"suggestions": req.Suggestions,
		"toolUseId":   req.ToolUseID,
	})
	if err := g.bus.Publish(ctx, events.SubjectPermission, event); err != nil {
		g.logger.Warn("failed to publish permission request", zap.Error(err))
	}
}

// publishResolution announces the terminal outcome of an approval so the
// UI can retire the prompt regardless of which path resolved it.
func (g *Gate) publishResolution(p *pendingApproval, d Decision) {
	event := bus.NewEvent(events.PermissionResolved, "permission-gate", map[string]interface{}{
		"requestId": p.requestID,
		"slot":      p.slot,
		"behavior":  d.Behavior,
		"message":   d.Message,
	})
	if err := g.bus.Publish(context.Background(), events.SubjectPermission, event); err != nil {
		g.logger.Warn("failed to publish permission resolution", zap.Error(err))
	}
}
