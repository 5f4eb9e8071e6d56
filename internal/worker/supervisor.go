// Package worker supervises per-project background processes. A project
// gets at most one worker, shared by every slot bound to it; workers idle
// out after a freeze delay and are respawned transparently on next use.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
	"github.com/workdeck/workdeck/internal/tracing"
)

// Worker protocol verbs owned by the supervisor. Project-operation verbs
// (file, git, search) pass through Call opaquely.
const (
	VerbInit             = "init"
	VerbWatcherStart     = "watcher:start"
	VerbWatcherStop      = "watcher:stop"
	VerbWatcherSetPaused = "watcher:setPaused"
)

// Handle is one live worker process, already speaking the request/response
// wire protocol.
type Handle interface {
	Call(ctx context.Context, verb string, payload any) (json.RawMessage, error)
	OnEvent(fn func(payload json.RawMessage))
	Stop()
	Done() <-chan struct{}
}

// Spawner starts worker processes. Injected so tests can substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, projectID, projectRoot string) (Handle, error)
}

type initPayload struct {
	ProjectPath string `json:"projectPath"`
}

type setPausedPayload struct {
	Paused bool `json:"paused"`
}

type binding struct {
	projectID   string
	projectRoot string
}

// projectWorker is a registry entry. It is installed as a placeholder under
// the supervisor lock and resolved by completeSpawn outside it; ready closes
// once handle or spawnErr is set.
type projectWorker struct {
	projectID   string
	projectRoot string

	ready    chan struct{}
	handle   Handle
	spawnErr error

	paused bool
}

// await blocks until the entry's spawn resolves.
func (w *projectWorker) await(ctx context.Context) (Handle, error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if w.spawnErr != nil {
		return nil, w.spawnErr
	}
	return w.handle, nil
}

// Supervisor owns the worker registry and the idle-freeze scheduler.
//
// Activity policy: a project is active iff it is the bound project of at
// least one slot that is the current active slot of at least one open
// window. All timer mutations are cancel-then-reschedule on existence, so
// a project never holds two freeze timers.
//
// The supervisor lock guards bookkeeping only. Worker round-trips (spawn,
// init, watcher verbs) run after the lock is released, so a slow project
// never delays calls against another project's worker.
type Supervisor struct {
	mu sync.Mutex

	workers      map[string]*projectWorker
	freezeTimers map[string]*time.Timer
	// frozen remembers projects whose worker idled out, so the next spawn
	// is announced as a thaw rather than a fresh start.
	frozen       map[string]bool
	slots        map[int]binding
	windowActive map[string]int

	spawner     Spawner
	freezeAfter time.Duration
	bus         bus.EventBus
	logger      *logger.Logger
	tracer      trace.Tracer
	closed      bool
}

// NewSupervisor creates a supervisor with the given freeze delay.
func NewSupervisor(spawner Spawner, freezeAfter time.Duration, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		workers:      make(map[string]*projectWorker),
		freezeTimers: make(map[string]*time.Timer),
		frozen:       make(map[string]bool),
		slots:        make(map[int]binding),
		windowActive: make(map[string]int),
		spawner:      spawner,
		freezeAfter:  freezeAfter,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "worker-supervisor")),
		tracer:       tracing.Tracer("workdeck/worker"),
	}
}

// SetSlotProject binds a slot to a project and recomputes the active set.
func (s *Supervisor) SetSlotProject(ctx context.Context, slot int, projectID, projectRoot string) error {
	if projectID == "" || projectRoot == "" {
		return apperrors.InvalidArgument("project id and root are required")
	}
	s.mu.Lock()
	s.slots[slot] = binding{projectID: projectID, projectRoot: projectRoot}
	work := s.recomputeLocked(ctx)
	s.mu.Unlock()
	runWork(work)
	return nil
}

// ClearSlot removes a slot's project binding.
func (s *Supervisor) ClearSlot(ctx context.Context, slot int) {
	s.mu.Lock()
	delete(s.slots, slot)
	work := s.recomputeLocked(ctx)
	s.mu.Unlock()
	runWork(work)
}

// SetActiveSlot records which slot a window is showing.
func (s *Supervisor) SetActiveSlot(ctx context.Context, windowID string, slot int) {
	s.mu.Lock()
	s.windowActive[windowID] = slot
	work := s.recomputeLocked(ctx)
	s.mu.Unlock()
	runWork(work)
}

// CloseWindow forgets a window's active slot.
func (s *Supervisor) CloseWindow(ctx context.Context, windowID string) {
	s.mu.Lock()
	delete(s.windowActive, windowID)
	work := s.recomputeLocked(ctx)
	s.mu.Unlock()
	runWork(work)
}

func runWork(work []func()) {
	for _, fn := range work {
		fn()
	}
}

// activeProjectsLocked derives the set of project ids with at least one
// bound slot currently shown by some window.
func (s *Supervisor) activeProjectsLocked() map[string]bool {
	active := make(map[string]bool)
	for _, slot := range s.windowActive {
		if b, ok := s.slots[slot]; ok {
			active[b.projectID] = true
		}
	}
	return active
}

// recomputeLocked applies the activity policy to every bound project. It
// mutates bookkeeping in place and returns the worker round-trips for the
// caller to run once the lock is released.
func (s *Supervisor) recomputeLocked(ctx context.Context) []func() {
	if s.closed {
		return nil
	}
	active := s.activeProjectsLocked()

	bound := make(map[string]string) // projectID -> root
	for _, b := range s.slots {
		bound[b.projectID] = b.projectRoot
	}

	var work []func()
	for projectID, root := range bound {
		if active[projectID] {
			s.cancelFreezeLocked(projectID)
			w, ok := s.workers[projectID]
			if !ok {
				nw := s.installWorkerLocked(projectID, root)
				work = append(work, func() { s.completeSpawn(ctx, nw) })
			} else if w.paused {
				w.paused = false
				work = append(work, func() { s.togglePause(ctx, w, false) })
			}
		} else if w, ok := s.workers[projectID]; ok {
			if !w.paused {
				w.paused = true
				work = append(work, func() { s.togglePause(ctx, w, true) })
			}
			s.scheduleFreezeLocked(projectID)
		}
	}

	// Projects no longer bound anywhere lose their worker immediately.
	for projectID := range s.workers {
		if _, ok := bound[projectID]; !ok {
			work = append(work, s.detachLocked(projectID))
		}
	}
	for projectID := range s.frozen {
		if _, ok := bound[projectID]; !ok {
			delete(s.frozen, projectID)
		}
	}
	return work
}

func (s *Supervisor) togglePause(ctx context.Context, w *projectWorker, paused bool) {
	handle, err := w.await(ctx)
	if err != nil {
		return
	}
	if _, err := handle.Call(ctx, VerbWatcherSetPaused, setPausedPayload{Paused: paused}); err != nil {
		s.logger.WithProject(w.projectID).WithError(err).Warn("watcher pause toggle failed")
	}
}

// scheduleFreezeLocked arms the project's freeze timer unless one is
// already pending.
func (s *Supervisor) scheduleFreezeLocked(projectID string) {
	if _, pending := s.freezeTimers[projectID]; pending {
		return
	}
	s.freezeTimers[projectID] = time.AfterFunc(s.freezeAfter, func() {
		s.mu.Lock()
		if _, still := s.freezeTimers[projectID]; !still {
			s.mu.Unlock()
			return
		}
		delete(s.freezeTimers, projectID)
		if _, live := s.workers[projectID]; live {
			s.frozen[projectID] = true
		}
		stop := s.detachLocked(projectID)
		s.mu.Unlock()
		stop()
	})
}

func (s *Supervisor) cancelFreezeLocked(projectID string) {
	if t, ok := s.freezeTimers[projectID]; ok {
		t.Stop()
		delete(s.freezeTimers, projectID)
	}
}

// detachLocked removes the project's registry entry and returns the freeze
// work: stop the watcher, terminate the process, announce it. The returned
// func must run without the lock.
func (s *Supervisor) detachLocked(projectID string) func() {
	w, ok := s.workers[projectID]
	if !ok {
		return func() {}
	}
	delete(s.workers, projectID)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		handle, err := w.await(ctx)
		if err != nil {
			return
		}
		if _, err := handle.Call(ctx, VerbWatcherStop, nil); err != nil {
			s.logger.WithProject(projectID).WithError(err).Debug("watcher stop before freeze failed")
		}
		handle.Stop()

		s.publish(events.WorkerFrozen, map[string]any{"projectId": projectID})
		s.logger.WithProject(projectID).Info("worker frozen")
	}
}

// installWorkerLocked registers a placeholder entry for the project. The
// caller must resolve it with completeSpawn after releasing the lock.
func (s *Supervisor) installWorkerLocked(projectID, projectRoot string) *projectWorker {
	w := &projectWorker{
		projectID:   projectID,
		projectRoot: projectRoot,
		ready:       make(chan struct{}),
	}
	s.workers[projectID] = w
	return w
}

// completeSpawn runs the spawn and init round-trips for a placeholder. On
// failure the entry is removed so the next caller retries.
func (s *Supervisor) completeSpawn(ctx context.Context, w *projectWorker) {
	defer close(w.ready)

	handle, err := s.spawner.Spawn(ctx, w.projectID, w.projectRoot)
	if err != nil {
		w.spawnErr = apperrors.OperationFailed("worker spawn", err)
	} else {
		handle.OnEvent(func(payload json.RawMessage) {
			s.publish(events.WorkerEvent, map[string]any{
				"projectId": w.projectID,
				"payload":   payload,
			})
		})
		if _, err := handle.Call(ctx, VerbInit, initPayload{ProjectPath: w.projectRoot}); err != nil {
			handle.Stop()
			w.spawnErr = apperrors.OperationFailed("worker init", err)
		} else {
			if _, err := handle.Call(ctx, VerbWatcherStart, nil); err != nil {
				s.logger.WithProject(w.projectID).WithError(err).Warn("watcher start failed")
			}
			w.handle = handle
		}
	}

	if w.spawnErr != nil {
		s.mu.Lock()
		if s.workers[w.projectID] == w {
			delete(s.workers, w.projectID)
		}
		s.mu.Unlock()
		s.logger.WithProject(w.projectID).WithError(w.spawnErr).Error("worker spawn failed")
		return
	}

	eventType := events.WorkerSpawned
	s.mu.Lock()
	if s.frozen[w.projectID] {
		delete(s.frozen, w.projectID)
		eventType = events.WorkerThawed
	}
	s.mu.Unlock()
	s.publish(eventType, map[string]any{"projectId": w.projectID})
}

// Call forwards a request to the project's worker, spawning a frozen one
// first. Callers never observe whether the worker was live. A worker
// revived for an idle project comes back paused with its freeze timer
// armed, exactly as if it had never frozen.
func (s *Supervisor) Call(ctx context.Context, projectID, verb string, payload any) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "worker.call",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("worker.verb", verb),
		))
	defer span.End()

	s.mu.Lock()
	root, bound := s.rootForLocked(projectID)
	if !bound {
		s.mu.Unlock()
		return nil, apperrors.InvalidArgument(fmt.Sprintf("project %q is not bound to any slot", projectID))
	}
	w, ok := s.workers[projectID]
	if !ok {
		w = s.installWorkerLocked(projectID, root)
	}
	s.mu.Unlock()

	if !ok {
		s.completeSpawn(ctx, w)
		s.applyActivityPolicy(ctx, w)
	}

	handle, err := w.await(ctx)
	if err != nil {
		return nil, err
	}
	return handle.Call(ctx, verb, payload)
}

// applyActivityPolicy re-applies the activity policy to a freshly revived
// worker: an inactive project's worker is paused and its freeze timer
// re-armed; an active project's worker runs unpaused with no timer.
func (s *Supervisor) applyActivityPolicy(ctx context.Context, w *projectWorker) {
	s.mu.Lock()
	if s.closed || s.workers[w.projectID] != w {
		s.mu.Unlock()
		return
	}
	var work []func()
	if s.activeProjectsLocked()[w.projectID] {
		s.cancelFreezeLocked(w.projectID)
		if w.paused {
			w.paused = false
			work = append(work, func() { s.togglePause(ctx, w, false) })
		}
	} else {
		if !w.paused {
			w.paused = true
			work = append(work, func() { s.togglePause(ctx, w, true) })
		}
		s.scheduleFreezeLocked(w.projectID)
	}
	s.mu.Unlock()
	runWork(work)
}

func (s *Supervisor) rootForLocked(projectID string) (string, bool) {
	for _, b := range s.slots {
		if b.projectID == projectID {
			return b.projectRoot, true
		}
	}
	return "", false
}

// Workers reports the ids of currently live workers.
func (s *Supervisor) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// PendingFreezes reports how many freeze timers are armed.
func (s *Supervisor) PendingFreezes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freezeTimers)
}

// Shutdown terminates every worker and cancels every timer. Workers stop
// in parallel since each Stop waits out its process exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for projectID, t := range s.freezeTimers {
		t.Stop()
		delete(s.freezeTimers, projectID)
	}
	workers := make([]*projectWorker, 0, len(s.workers))
	for projectID, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, projectID)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			handle, err := w.await(ctx)
			if err != nil {
				return nil
			}
			handle.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Supervisor) publish(eventType string, data map[string]any) {
	evt := bus.NewEvent(eventType, "worker-supervisor", data)
	subject := events.SubjectWorkerEvent
	if eventType == events.WorkerFrozen || eventType == events.WorkerSpawned || eventType == events.WorkerThawed {
		subject = events.SubjectWorkerStatus
	}
	if err := s.bus.Publish(context.Background(), subject, evt); err != nil {
		s.logger.WithError(err).Warn("worker event publish failed")
	}
}
