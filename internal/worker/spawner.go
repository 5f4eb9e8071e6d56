package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workdeck/workdeck/internal/bridge"
	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
)

// ProcessSpawner launches the worker executable and wires it to a server
// bridge speaking the correlated request/response protocol.
type ProcessSpawner struct {
	command string
	args    []string
	log     *logger.Logger
}

// NewProcessSpawner builds a spawner around the configured worker command.
func NewProcessSpawner(command string, args []string, log *logger.Logger) *ProcessSpawner {
	return &ProcessSpawner{command: command, args: args, log: log}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, projectID, projectRoot string) (Handle, error) {
	name := fmt.Sprintf("worker-%s", projectID)
	proc, err := bridge.Spawn(ctx, bridge.Spec{
		Name:    name,
		Command: s.command,
		Args:    s.args,
		Dir:     projectRoot,
	}, s.log)
	if err != nil {
		return nil, err
	}

	sb := bridge.NewServerBridge(name, proc.Stdin(), proc.Stdout(), s.log.WithProject(projectID))
	proc.DrainStderr(func(line string) {
		s.log.WithProject(projectID).Debug("worker stderr: " + line)
	})
	proc.OnTerminate(func(err error) {
		sb.RejectAll(apperrors.ProcessExited(name, err))
	})
	sb.Start(context.Background())

	return &processHandle{proc: proc, bridge: sb}, nil
}

type processHandle struct {
	proc   *bridge.Process
	bridge *bridge.ServerBridge
}

func (h *processHandle) Call(ctx context.Context, verb string, payload any) (json.RawMessage, error) {
	return h.bridge.Call(ctx, verb, payload)
}

func (h *processHandle) OnEvent(fn func(payload json.RawMessage)) {
	h.bridge.OnEvent(fn)
}

func (h *processHandle) Stop() {
	h.bridge.Stop()
	h.proc.Dispose()
}

func (h *processHandle) Done() <-chan struct{} { return h.proc.Done() }
