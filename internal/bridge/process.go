// Package bridge manages one spawned external executable and the message
// traffic to and from it.
//
// A Process owns the child's lifecycle and streams. Protocol clients (the
// app-server bridge below, or the agent clients in pkg/) layer framing on
// top of the raw streams, the same way for every child process kind.
package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/workdeck/workdeck/internal/common/logger"
)

// Spec describes an executable to spawn.
type Spec struct {
	Name    string // short name for logs and errors, e.g. "project-worker"
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
}

// Process wraps one spawned child process with wired stdio pipes and an
// on-terminate hook list. All cleanup fan-out (correlator rejection, state
// transitions) subscribes through OnTerminate rather than watching the
// process directly.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logger.Logger

	mu         sync.Mutex
	hooks      []func(err error)
	terminated bool
	termErr    error

	done chan struct{}
}

// Spawn starts the executable described by spec with stdin/stdout/stderr
// pipes attached.
func Spawn(ctx context.Context, spec Spec, log *logger.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: log.WithFields(zap.String("process", spec.Name), zap.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}

	p.logger.Info("process started",
		zap.String("command", spec.Command),
		zap.String("dir", spec.Dir))

	go p.wait()

	return p, nil
}

// Stdin returns the child's stdin pipe.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's stdout pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the child's stderr pipe.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and all terminate hooks have run.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// OnTerminate registers a hook to run when the process exits, with the exit
// error if any. Hooks registered after exit run immediately.
func (p *Process) OnTerminate(fn func(err error)) {
	p.mu.Lock()
	if p.terminated {
		err := p.termErr
		p.mu.Unlock()
		fn(err)
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// CloseStdin requests graceful stream termination by closing the child's
// input. Safe to call more than once.
func (p *Process) CloseStdin() {
	_ = p.stdin.Close()
}

// Signal sends sig to the process, best-effort.
func (p *Process) Signal(sig os.Signal) {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

// Kill force-terminates the process, best-effort.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Dispose closes stdin, waits briefly for a graceful exit, escalates to
// SIGTERM, and kills as a last resort. Terminate hooks run exactly once
// either way.
func (p *Process) Dispose() {
	p.CloseStdin()
	select {
	case <-p.done:
		return
	case <-time.After(2 * time.Second):
	}

	p.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		p.Kill()
		<-p.done
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.terminated = true
	p.termErr = err
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("process exited", zap.Error(err))
	} else {
		p.logger.Info("process exited")
	}

	for _, fn := range hooks {
		fn(err)
	}
	close(p.done)
}

// DrainStderr streams the child's stderr line by line into both the log
// and the optional sink. The copy runs on its own goroutine and stops when
// the stream closes at process exit; the call itself never blocks.
func (p *Process) DrainStderr(sink func(line string)) {
	go drainLines(p.stderr, func(line string) {
		p.logger.Debug("stderr", zap.String("line", line))
		if sink != nil {
			sink(line)
		}
	})
}
