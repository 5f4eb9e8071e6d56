package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	"github.com/workdeck/workdeck/internal/events/bus"
	"github.com/workdeck/workdeck/internal/permission"
	"github.com/workdeck/workdeck/internal/persistence"
	"github.com/workdeck/workdeck/internal/session"
	"github.com/workdeck/workdeck/internal/snapshot"
	"github.com/workdeck/workdeck/internal/terminal"
	"github.com/workdeck/workdeck/internal/transcript"
	"github.com/workdeck/workdeck/internal/worker"
	ws "github.com/workdeck/workdeck/pkg/websocket"
)

// Services are the orchestration collaborators the gateway exposes.
type Services struct {
	Registry   *session.Registry
	Gate       *permission.Gate
	Supervisor *worker.Supervisor
	Snapshots  *snapshot.Store
	Terminals  *terminal.Manager
	Slots      *persistence.SlotStore
	// Transcripts, when set, records agent stream events per session.
	Transcripts *transcript.Store
	Bus         bus.EventBus
}

// Setup builds the dispatcher, hub, and gin routes, and bridges bus events
// into client broadcasts. The returned cleanup unsubscribes the bridge.
func Setup(router *gin.Engine, svc Services, log *logger.Logger) (*Hub, func(), error) {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)

	registerHandlers(dispatcher, svc)

	// Every bus subject fans out to connected UI surfaces as one untagged
	// event notification.
	sub, err := svc.Bus.Subscribe("workdeck.>", func(ctx context.Context, e *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionEvent, e)
		if err != nil {
			return err
		}
		hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe event bridge: %w", err)
	}

	var transcriptSub bus.Subscription
	if svc.Transcripts != nil {
		transcriptSub, err = svc.Bus.Subscribe(events.SubjectAgentStream, func(ctx context.Context, e *bus.Event) error {
			return recordTranscript(svc, e)
		})
		if err != nil {
			sub.Unsubscribe()
			return nil, nil, fmt.Errorf("subscribe transcript recorder: %w", err)
		}
	}

	handler := NewHandler(hub, log)
	router.GET("/ws", handler.HandleConnection)

	cleanup := func() {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).Warn("event bridge unsubscribe failed")
		}
		if transcriptSub != nil {
			if err := transcriptSub.Unsubscribe(); err != nil {
				log.WithError(err).Warn("transcript recorder unsubscribe failed")
			}
		}
	}
	return hub, cleanup, nil
}

// recordTranscript appends one stream event to the session transcript.
// The slot/backend pair on the event resolves the project root and session
// id through the registry; unknown or dead sessions are skipped.
func recordTranscript(svc Services, e *bus.Event) error {
	slot, ok := eventSlot(e.Data["slot"])
	if !ok {
		return nil
	}
	backend, _ := e.Data["backend"].(string)
	kind, _ := e.Data["kind"].(string)

	snap := svc.Registry.Snapshot(slot, session.Backend(backend))
	if snap.ProjectRoot == "" || snap.SessionID == "" {
		return nil
	}
	return svc.Transcripts.Append(snap.ProjectRoot, snap.SessionID, kind, e.Data)
}

// eventSlot tolerates both in-process ints and JSON-decoded float64 slots.
func eventSlot(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// errorResponse maps application errors onto wire error responses, keeping
// the stable error code visible to the UI.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return ws.NewError(msg.ID, msg.Action, appErr.Code, appErr.Message, nil)
	}
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
}

type slotRef struct {
	Slot    int    `json:"slot"`
	Backend string `json:"backend"`
}

func registerHandlers(d *ws.Dispatcher, svc Services) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"status":  "ok",
			"service": "workdeck",
		})
	})

	registerSessionHandlers(d, svc)
	registerSlotHandlers(d, svc)
	registerWorkerHandlers(d, svc)
	registerSnapshotHandlers(d, svc)
	registerTerminalHandlers(d, svc)
}

func registerSessionHandlers(d *ws.Dispatcher, svc Services) {
	d.RegisterFunc(ws.ActionSessionStart, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			slotRef
			ProjectRoot    string `json:"projectRoot"`
			SessionID      string `json:"sessionId"`
			PermissionMode string `json:"permissionMode"`
			ForkSession    bool   `json:"forkSession"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}

		// Fall back to the persisted binding when the UI omits details.
		if svc.Slots != nil && (req.ProjectRoot == "" || req.SessionID == "") {
			if b, err := svc.Slots.Get(ctx, req.Slot, req.Backend); err == nil && b != nil {
				if req.ProjectRoot == "" {
					req.ProjectRoot = b.ProjectRoot
				}
				if req.SessionID == "" {
					req.SessionID = b.SessionID
				}
				if req.PermissionMode == "" {
					req.PermissionMode = b.PermissionMode
				}
			}
		}

		res, err := svc.Registry.EnsureStarted(ctx, session.StartParams{
			Slot:        req.Slot,
			Backend:     session.Backend(req.Backend),
			ProjectRoot: req.ProjectRoot,
			SessionID:   req.SessionID,
			Fork:        req.ForkSession,
			Mode:        req.PermissionMode,
		})
		if err != nil {
			return errorResponse(msg, err)
		}

		if svc.Slots != nil {
			if b, getErr := svc.Slots.Get(ctx, req.Slot, req.Backend); getErr == nil && b != nil {
				b.SessionID = res.SessionID
				_ = svc.Slots.Save(ctx, *b)
			}
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"sessionId": res.SessionID,
			"status":    string(res.Status),
			"started":   res.Started,
		})
	})

	d.RegisterFunc(ws.ActionSessionSend, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			slotRef
			Content string `json:"content"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Registry.SendUserMessage(req.Slot, session.Backend(req.Backend), req.Content); err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSessionInterrupt, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req slotRef
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Registry.Interrupt(req.Slot, session.Backend(req.Backend))
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSessionClose, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req slotRef
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Registry.Close(req.Slot, session.Backend(req.Backend))
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSessionSetPermissionMode, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			slotRef
			Mode string `json:"mode"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		err := svc.Registry.SetPermissionMode(req.Slot, session.Backend(req.Backend), req.Mode)
		live := err == nil
		// not_started still records the mode for the next start.
		if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotStarted) {
			return errorResponse(msg, err)
		}
		if svc.Slots != nil {
			if b, getErr := svc.Slots.Get(ctx, req.Slot, req.Backend); getErr == nil && b != nil {
				b.PermissionMode = req.Mode
				_ = svc.Slots.Save(ctx, *b)
			}
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"recorded": true, "live": live})
	})

	d.RegisterFunc(ws.ActionSessionStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req slotRef
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, svc.Registry.Snapshot(req.Slot, session.Backend(req.Backend)))
	})

	d.RegisterFunc(ws.ActionPermissionRespond, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var resp permission.Response
		if err := msg.ParsePayload(&resp); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Gate.Respond(resp); err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})
}

func registerSlotHandlers(d *ws.Dispatcher, svc Services) {
	d.RegisterFunc(ws.ActionSlotBind, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			slotRef
			ProjectID   string `json:"projectId"`
			ProjectRoot string `json:"projectRoot"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Supervisor.SetSlotProject(ctx, req.Slot, req.ProjectID, req.ProjectRoot); err != nil {
			return errorResponse(msg, err)
		}
		if svc.Slots != nil {
			backend := req.Backend
			if backend == "" {
				backend = string(session.BackendClaude)
			}
			_ = svc.Slots.Save(ctx, persistence.Binding{
				Slot: req.Slot, Backend: backend,
				ProjectID: req.ProjectID, ProjectRoot: req.ProjectRoot,
				PermissionMode: permission.ModeDefault,
			})
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSlotUnbind, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req slotRef
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Supervisor.ClearSlot(ctx, req.Slot)
		if svc.Slots != nil {
			backend := req.Backend
			if backend == "" {
				backend = string(session.BackendClaude)
			}
			_ = svc.Slots.Delete(ctx, req.Slot, backend)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSlotList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if svc.Slots == nil {
			return ws.NewResponse(msg.ID, msg.Action, []persistence.Binding{})
		}
		bindings, err := svc.Slots.List(ctx)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, bindings)
	})

	d.RegisterFunc(ws.ActionSlotActivate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WindowID string `json:"windowId"`
			Slot     int    `json:"slot"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Supervisor.SetActiveSlot(ctx, req.WindowID, req.Slot)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionWindowClosed, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WindowID string `json:"windowId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Supervisor.CloseWindow(ctx, req.WindowID)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})
}

func registerWorkerHandlers(d *ws.Dispatcher, svc Services) {
	d.RegisterFunc(ws.ActionWorkerCall, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ProjectID string         `json:"projectId"`
			Verb      string         `json:"verb"`
			Payload   map[string]any `json:"payload"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		result, err := svc.Supervisor.Call(ctx, req.ProjectID, req.Verb, req.Payload)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	})
}

func registerSnapshotHandlers(d *ws.Dispatcher, svc Services) {
	type snapshotKey struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}

	d.RegisterFunc(ws.ActionSnapshotCapture, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			snapshotKey
			Cwd   string   `json:"cwd"`
			Paths []string `json:"paths"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		m, err := svc.Snapshots.Snapshot(req.ThreadID, req.TurnID, req.Cwd, req.Paths)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, m)
	})

	d.RegisterFunc(ws.ActionSnapshotApply, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req snapshotKey
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Snapshots.Apply(req.ThreadID, req.TurnID); err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSnapshotRevert, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req snapshotKey
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Snapshots.Revert(req.ThreadID, req.TurnID); err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionSnapshotDiff, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			snapshotKey
			RelPath string `json:"relPath"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		diff, err := svc.Snapshots.ReadDiff(req.ThreadID, req.TurnID, req.RelPath)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, diff)
	})
}

func registerTerminalHandlers(d *ws.Dispatcher, svc Services) {
	d.RegisterFunc(ws.ActionTerminalCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WorkDir string `json:"workDir"`
			Cols    int    `json:"cols"`
			Rows    int    `json:"rows"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		info, err := svc.Terminals.Create(terminal.Options{
			WorkDir: req.WorkDir, Cols: req.Cols, Rows: req.Rows,
		})
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, info)
	})

	d.RegisterFunc(ws.ActionTerminalWrite, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TerminalID string `json:"terminalId"`
			Data       string `json:"data"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := svc.Terminals.Write(req.TerminalID, []byte(req.Data)); err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionTerminalResize, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TerminalID string `json:"terminalId"`
			Cols       int    `json:"cols"`
			Rows       int    `json:"rows"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Terminals.Resize(req.TerminalID, req.Cols, req.Rows)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})

	d.RegisterFunc(ws.ActionTerminalBuffer, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TerminalID string `json:"terminalId"`
			MaxBytes   int    `json:"maxBytes"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		data := svc.Terminals.GetBuffer(req.TerminalID, req.MaxBytes)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"data": string(data)})
	})

	d.RegisterFunc(ws.ActionTerminalScreen, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TerminalID string `json:"terminalId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"lines": svc.Terminals.GetScreen(req.TerminalID),
		})
	})

	d.RegisterFunc(ws.ActionTerminalDispose, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TerminalID string `json:"terminalId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		svc.Terminals.Dispose(req.TerminalID)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
	})
}
