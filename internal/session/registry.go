package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
	"github.com/workdeck/workdeck/internal/permission"
)

type key struct {
	slot    int
	backend Backend
}

// Registry owns every slot session and serializes operations per session.
// A slot can host one session per backend; each live session is backed by
// exactly one agent child process.
type Registry struct {
	mu       sync.Mutex
	sessions map[key]*slotSession

	launcher      Launcher
	gate          *permission.Gate
	bus           bus.EventBus
	sessionIDWait time.Duration
	killGrace     time.Duration
	logger        *logger.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(launcher Launcher, gate *permission.Gate, eventBus bus.EventBus, sessionIDWait time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		sessions:      make(map[key]*slotSession),
		launcher:      launcher,
		gate:          gate,
		bus:           eventBus,
		sessionIDWait: sessionIDWait,
		killGrace:     2 * time.Second,
		logger:        log,
	}
}

// StartParams describes an EnsureStarted request.
type StartParams struct {
	Slot        int
	Backend     Backend
	ProjectRoot string
	// SessionID selects a stored session to resume; empty starts fresh.
	SessionID string
	// Fork resumes into a forked copy instead of continuing in place.
	Fork bool
	// Mode overrides the session's permission mode when non-empty.
	Mode string
}

// StartResult reports the session actually running after EnsureStarted.
type StartResult struct {
	SessionID string
	Status    Status
	Started   bool
}

func validateSlot(slot int) error {
	if slot < MinSlot || slot > MaxSlot {
		return apperrors.InvalidArgument(fmt.Sprintf("slot %d out of range [%d,%d]", slot, MinSlot, MaxSlot))
	}
	return nil
}

func validateBackend(backend Backend) error {
	switch backend {
	case BackendClaude, BackendCodex:
		return nil
	default:
		return apperrors.InvalidArgument(fmt.Sprintf("unknown backend %q", backend))
	}
}

// session returns the tracked session for the pair, creating it when
// create is set.
func (r *Registry) session(slot int, backend Backend, create bool) *slotSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{slot: slot, backend: backend}
	s, ok := r.sessions[k]
	if !ok && create {
		s = &slotSession{
			slot:    slot,
			backend: backend,
			mode:    permission.ModeDefault,
			status:  StatusIdle,
		}
		r.sessions[k] = s
	}
	return s
}

// EnsureStarted makes sure a live agent process exists for the pair. When
// the requested session id differs from the running one the old process is
// torn down first; its pending approvals are rejected so no stale prompt
// can reach the new session.
func (r *Registry) EnsureStarted(ctx context.Context, params StartParams) (StartResult, error) {
	if err := validateSlot(params.Slot); err != nil {
		return StartResult{}, err
	}
	if err := validateBackend(params.Backend); err != nil {
		return StartResult{}, err
	}
	if params.ProjectRoot == "" {
		return StartResult{}, apperrors.ProjectUnbound(params.Slot)
	}

	s := r.session(params.Slot, params.Backend, true)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.projectRoot = params.ProjectRoot
	if params.Mode != "" {
		if !permission.ValidMode(params.Mode) {
			return StartResult{}, apperrors.InvalidArgument(fmt.Sprintf("unknown permission mode %q", params.Mode))
		}
		s.mode = params.Mode
	}
	if params.Fork {
		s.fork = true
	}

	if s.proc != nil {
		sameSession := params.SessionID == "" || params.SessionID == s.sessionID
		if sameSession && !params.Fork {
			if params.Mode != "" {
				if err := s.proc.SetPermissionMode(s.mode); err != nil {
					r.logger.WithSlot(s.slot).WithError(err).Warn("permission mode propagation failed")
				}
			}
			return StartResult{SessionID: s.sessionID, Status: s.status, Started: false}, nil
		}
		r.teardownLocked(s, "session switched")
	}

	return r.spawnLocked(ctx, s, params.SessionID)
}

// spawnLocked starts a fresh process for the session. Caller holds opMu.
func (r *Registry) spawnLocked(ctx context.Context, s *slotSession, resumeID string) (StartResult, error) {
	s.gen++
	gen := s.gen
	r.setStatusLocked(s, StatusStarting, "")

	fork := s.fork
	s.fork = false // one-shot, consumed even on failure

	proc, err := r.launcher.Launch(ctx, LaunchSpec{
		Slot:            s.slot,
		Backend:         s.backend,
		ProjectRoot:     s.projectRoot,
		ResumeSessionID: resumeID,
		Fork:            fork,
		SystemPrompt:    fmt.Sprintf("You are working in the project rooted at %s.", s.projectRoot),
		Mode:            r.modeGetter(s),
		Permission:      r.permissionResolver(s),
		Emit:            r.emitter(s),
	})
	if err != nil {
		r.setStatusLocked(s, StatusError, err.Error())
		return StartResult{}, apperrors.OperationFailed("agent launch", err)
	}

	s.proc = proc
	s.sessionID = resumeID
	r.setStatusLocked(s, StatusReady, "")

	go r.watchExit(s, proc, gen)

	// Bounded wait for the process to report its assigned session id; a
	// fresh or forked session gets a new one we cannot predict.
	select {
	case <-proc.SessionKnown():
	case <-time.After(r.sessionIDWait):
	case <-ctx.Done():
	}
	if id := proc.SessionID(); id != "" {
		s.sessionID = id
	}
	return StartResult{SessionID: s.sessionID, Status: s.status, Started: true}, nil
}

// watchExit marks the session exited when its process dies, unless a newer
// process has already replaced it.
func (r *Registry) watchExit(s *slotSession, proc AgentProcess, gen uint64) {
	<-proc.Done()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.gen != gen || s.proc != proc {
		return
	}
	s.proc = nil
	r.gate.RejectSlot(s.slot, "agent process exited")
	r.setStatusLocked(s, StatusExited, "")
}

// SendUserMessage pushes a prompt to the live session.
func (r *Registry) SendUserMessage(slot int, backend Backend, content string) error {
	if err := validateSlot(slot); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return apperrors.InvalidArgument("message is empty")
	}
	s := r.session(slot, backend, false)
	if s == nil {
		return apperrors.NotStarted("agent session")
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.proc == nil {
		return apperrors.NotStarted("agent session")
	}
	if err := s.proc.SendUserMessage(content); err != nil {
		return err
	}
	r.emitter(s)("user_message", map[string]any{"content": content})
	return nil
}

// Interrupt stops the current turn, best-effort. Unknown sessions are a
// no-op so the UI can always offer the button.
func (r *Registry) Interrupt(slot int, backend Backend) {
	s := r.session(slot, backend, false)
	if s == nil {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.proc == nil {
		return
	}
	if err := s.proc.Interrupt(); err != nil {
		r.logger.WithSlot(slot).WithError(err).Warn("interrupt failed")
	}
}

// SetPermissionMode records the mode and propagates it to a live process.
func (r *Registry) SetPermissionMode(slot int, backend Backend, mode string) error {
	if err := validateSlot(slot); err != nil {
		return err
	}
	if !permission.ValidMode(mode) {
		return apperrors.InvalidArgument(fmt.Sprintf("unknown permission mode %q", mode))
	}
	s := r.session(slot, backend, true)
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mode = mode
	if s.proc == nil {
		// Recorded for the next start, but the caller should know no live
		// process picked it up.
		return apperrors.NotStarted("agent session")
	}
	return s.proc.SetPermissionMode(mode)
}

// Close tears down the session's process and returns the pair to idle.
// Already-idle sessions are a no-op.
func (r *Registry) Close(slot int, backend Backend) {
	s := r.session(slot, backend, false)
	if s == nil {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.proc != nil {
		r.teardownLocked(s, "session closed")
	}
	s.sessionID = ""
	r.setStatusLocked(s, StatusIdle, "")
}

// CloseAll tears down every live session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	keys := make([]key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.Close(k.slot, k.backend)
	}
}

// Snapshot reports the session's current state.
func (r *Registry) Snapshot(slot int, backend Backend) Snapshot {
	s := r.session(slot, backend, false)
	if s == nil {
		return Snapshot{Slot: slot, Backend: backend, Status: StatusIdle, Mode: permission.ModeDefault}
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return Snapshot{
		Slot:        s.slot,
		Backend:     s.backend,
		ProjectRoot: s.projectRoot,
		SessionID:   s.sessionID,
		Mode:        s.mode,
		Status:      s.status,
		Live:        s.proc != nil,
	}
}

// teardownLocked stops the session's process: pending approvals are
// rejected first so none survives into a successor, then the process gets
// an interrupt, input-stream close, and a bounded wait before the kill.
func (r *Registry) teardownLocked(s *slotSession, reason string) {
	proc := s.proc
	if proc == nil {
		return
	}
	s.proc = nil
	s.gen++ // orphan the exit watcher

	r.gate.RejectSlot(s.slot, reason)
	if err := proc.Interrupt(); err != nil {
		r.logger.WithSlot(s.slot).WithError(err).Debug("interrupt during teardown failed")
	}
	proc.EndInput()
	select {
	case <-proc.Done():
	case <-time.After(r.killGrace):
		proc.Kill()
	}
}

func (r *Registry) modeGetter(s *slotSession) func() string {
	return func() string {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		return s.mode
	}
}

// permissionResolver bridges process-level approval callbacks into the
// gate, which owns timeout and UI fan-out.
func (r *Registry) permissionResolver(s *slotSession) func(ctx context.Context, req PermissionRequest) PermissionDecision {
	return func(ctx context.Context, req PermissionRequest) PermissionDecision {
		decision := r.gate.Ask(ctx, permission.Request{
			Slot:        s.slot,
			SessionID:   s.sessionID,
			ToolName:    req.ToolName,
			ToolInput:   req.ToolInput,
			Suggestions: req.Suggestions,
			ToolUseID:   req.ToolUseID,
			Mode:        r.modeGetter(s)(),
		})
		return PermissionDecision{
			Allow:              decision.Behavior == permission.BehaviorAllow,
			UpdatedInput:       decision.UpdatedInput,
			UpdatedPermissions: decision.UpdatedPermissions,
			Message:            decision.Message,
			Interrupt:          decision.Interrupt,
		}
	}
}

// emitter publishes slot-tagged stream events.
func (r *Registry) emitter(s *slotSession) func(eventType string, data map[string]any) {
	return func(eventType string, data map[string]any) {
		payload := map[string]any{
			"slot":    s.slot,
			"backend": string(s.backend),
			"kind":    eventType,
		}
		for k, v := range data {
			payload[k] = v
		}
		evtType := events.AgentStream
		if eventType == "stderr" {
			evtType = events.AgentStderr
		}
		evt := bus.NewEvent(evtType, "session-registry", payload)
		if err := r.bus.Publish(context.Background(), events.SubjectAgentStream, evt); err != nil {
			r.logger.WithSlot(s.slot).WithError(err).Warn("stream publish failed")
		}
	}
}

// setStatusLocked updates the state machine and broadcasts the change.
func (r *Registry) setStatusLocked(s *slotSession, status Status, detail string) {
	s.status = status
	payload := map[string]any{
		"slot":    s.slot,
		"backend": string(s.backend),
		"status":  string(status),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	evt := bus.NewEvent(events.AgentStatusChanged, "session-registry", payload)
	if err := r.bus.Publish(context.Background(), events.SubjectAgentStatus, evt); err != nil {
		r.logger.WithSlot(s.slot).WithError(err).Warn("status publish failed")
	}
}
