package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/workdeck/workdeck/internal/bridge"
	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/pkg/claudecode"
	"github.com/workdeck/workdeck/pkg/codex"
)

// initializeTimeout bounds the control-protocol handshake after spawn.
const initializeTimeout = 30 * time.Second

// CLILauncher spawns real agent CLI processes.
type CLILauncher struct {
	claudeCommand string
	codexCommand  string
	log           *logger.Logger
}

// NewCLILauncher builds a launcher around the configured agent commands.
func NewCLILauncher(claudeCommand, codexCommand string, log *logger.Logger) *CLILauncher {
	return &CLILauncher{
		claudeCommand: claudeCommand,
		codexCommand:  codexCommand,
		log:           log,
	}
}

func (l *CLILauncher) Launch(ctx context.Context, spec LaunchSpec) (AgentProcess, error) {
	switch spec.Backend {
	case BackendClaude:
		return l.launchClaude(ctx, spec)
	case BackendCodex:
		return l.launchCodex(ctx, spec)
	default:
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown backend %q", spec.Backend))
	}
}

// claudeArgs builds the stream-json CLI invocation for a session.
func claudeArgs(spec LaunchSpec) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
		"--include-partial-messages",
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if mode := spec.Mode(); mode != "" && mode != "default" {
		args = append(args, "--permission-mode", mode)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
		if spec.Fork {
			args = append(args, "--fork-session")
		}
	}
	return args
}

func (l *CLILauncher) launchClaude(ctx context.Context, spec LaunchSpec) (AgentProcess, error) {
	proc, err := bridge.Spawn(ctx, bridge.Spec{
		Name:    fmt.Sprintf("claude-slot-%d", spec.Slot),
		Command: l.claudeCommand,
		Args:    claudeArgs(spec),
		Dir:     spec.ProjectRoot,
	}, l.log)
	if err != nil {
		return nil, err
	}

	client := claudecode.NewClient(proc.Stdin(), proc.Stdout(), l.log.WithSlot(spec.Slot))
	cp := &claudeProcess{proc: proc, client: client}

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		if spec.Emit == nil {
			return
		}
		spec.Emit("stream", map[string]any{
			"backend": string(BackendClaude),
			"message": json.RawMessage(msg.RawContent),
		})
	})
	client.SetRequestHandler(func(reqID string, req *claudecode.ControlRequest) {
		go cp.handlePermission(ctx, spec, reqID, req)
	})
	proc.DrainStderr(func(line string) {
		if spec.Emit != nil {
			spec.Emit("stderr", map[string]any{"line": line})
		}
	})
	proc.OnTerminate(func(error) {
		client.Stop()
	})

	// Loops run for the process lifetime, not the launch call's.
	client.Start(context.Background())
	if err := client.Initialize(ctx, initializeTimeout); err != nil {
		proc.Kill()
		return nil, apperrors.OperationFailed("claude initialize", err)
	}
	return cp, nil
}

type claudeProcess struct {
	proc   *bridge.Process
	client *claudecode.Client
}

func (p *claudeProcess) handlePermission(ctx context.Context, spec LaunchSpec, reqID string, req *claudecode.ControlRequest) {
	var input map[string]any
	if len(req.Input) > 0 {
		input = req.Input
	}
	var suggestions []map[string]any
	for _, s := range req.PermissionSuggestions {
		var m map[string]any
		if raw, err := json.Marshal(s); err == nil {
			_ = json.Unmarshal(raw, &m)
		}
		suggestions = append(suggestions, m)
	}

	decision := spec.Permission(ctx, PermissionRequest{
		ToolName:    req.ToolName,
		ToolInput:   input,
		Suggestions: suggestions,
		ToolUseID:   req.ToolUseID,
	})

	result := claudecode.PermissionResult{}
	if decision.Allow {
		result.Behavior = claudecode.BehaviorAllow
		if decision.UpdatedInput != nil {
			result.UpdatedInput = decision.UpdatedInput
		}
		if len(decision.UpdatedPermissions) > 0 {
			if raw, err := json.Marshal(decision.UpdatedPermissions); err == nil {
				var updates []claudecode.PermissionUpdate
				if json.Unmarshal(raw, &updates) == nil {
					result.UpdatedPermissions = updates
				}
			}
		}
	} else {
		result.Behavior = claudecode.BehaviorDeny
		result.Message = decision.Message
		if decision.Interrupt {
			interrupt := true
			result.Interrupt = &interrupt
		}
	}
	_ = p.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: reqID,
		Response:  &claudecode.ControlResponse{Subtype: "success", Result: &result},
	})
	if !decision.Allow && decision.Interrupt {
		_ = p.client.Interrupt()
	}
}

func (p *claudeProcess) SessionID() string             { return p.client.SessionID() }
func (p *claudeProcess) SessionKnown() <-chan struct{} { return p.client.SessionKnown() }

func (p *claudeProcess) SendUserMessage(content string) error {
	return p.client.SendUserMessage(content)
}

func (p *claudeProcess) Interrupt() error { return p.client.Interrupt() }

func (p *claudeProcess) SetPermissionMode(mode string) error {
	return p.client.SetPermissionMode(mode)
}

func (p *claudeProcess) EndInput()             { p.client.EndInput() }
func (p *claudeProcess) Kill()                 { p.proc.Kill() }
func (p *claudeProcess) Done() <-chan struct{} { return p.proc.Done() }

func (l *CLILauncher) launchCodex(ctx context.Context, spec LaunchSpec) (AgentProcess, error) {
	proc, err := bridge.Spawn(ctx, bridge.Spec{
		Name:    fmt.Sprintf("codex-slot-%d", spec.Slot),
		Command: l.codexCommand,
		Args:    []string{"app-server"},
		Dir:     spec.ProjectRoot,
	}, l.log)
	if err != nil {
		return nil, err
	}

	log := l.log.WithSlot(spec.Slot)
	client := codex.NewClient(proc.Stdin(), proc.Stdout(), log)
	cp := &codexProcess{
		proc:   proc,
		client: client,
		log:    log,
		known:  make(chan struct{}),
	}

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		cp.handleNotification(spec, method, params)
	})
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		go cp.handleApproval(ctx, spec, id, method, params)
	})
	proc.DrainStderr(func(line string) {
		if spec.Emit != nil {
			spec.Emit("stderr", map[string]any{"line": line})
		}
	})
	proc.OnTerminate(func(error) {
		client.Stop()
	})

	client.Start(context.Background())
	if err := cp.initialize(ctx, spec); err != nil {
		proc.Kill()
		return nil, err
	}
	return cp, nil
}

type codexProcess struct {
	proc   *bridge.Process
	client *codex.Client
	log    *logger.Logger

	mu       sync.Mutex
	threadID string
	known    chan struct{}
}

func (p *codexProcess) initialize(ctx context.Context, spec LaunchSpec) error {
	if _, err := p.client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "workdeck", Version: "1.0"},
	}); err != nil {
		return apperrors.OperationFailed("codex initialize", err)
	}

	var (
		raw json.RawMessage
		err error
	)
	switch {
	case spec.ResumeSessionID != "" && spec.Fork:
		raw, err = p.client.Call(ctx, codex.MethodThreadFork, codex.ThreadResumeParams{
			ThreadID:       spec.ResumeSessionID,
			Cwd:            spec.ProjectRoot,
			ApprovalPolicy: approvalPolicyFor(spec.Mode()),
		})
	case spec.ResumeSessionID != "":
		raw, err = p.client.Call(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{
			ThreadID:       spec.ResumeSessionID,
			Cwd:            spec.ProjectRoot,
			ApprovalPolicy: approvalPolicyFor(spec.Mode()),
		})
	default:
		raw, err = p.client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
			Cwd:            spec.ProjectRoot,
			ApprovalPolicy: approvalPolicyFor(spec.Mode()),
		})
	}
	if err != nil {
		return apperrors.OperationFailed("codex thread setup", err)
	}
	var result codex.ThreadResult
	if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil && result.Thread != nil {
		p.observeThreadID(result.Thread.ID)
	}
	return nil
}

func (p *codexProcess) observeThreadID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.threadID == "" && id != "" {
		p.threadID = id
		close(p.known)
	}
}

func (p *codexProcess) handleNotification(spec LaunchSpec, method string, params json.RawMessage) {
	if method == codex.NotifyThreadStarted {
		var n struct {
			Thread codex.Thread `json:"thread"`
		}
		if json.Unmarshal(params, &n) == nil {
			p.observeThreadID(n.Thread.ID)
		}
	}
	if spec.Emit != nil {
		spec.Emit("stream", map[string]any{
			"backend": string(BackendCodex),
			"method":  method,
			"params":  params,
		})
	}
}

func (p *codexProcess) handleApproval(ctx context.Context, spec LaunchSpec, id interface{}, method string, params json.RawMessage) {
	var ap codex.ApprovalParams
	_ = json.Unmarshal(params, &ap)
	var input map[string]any
	if len(params) > 0 {
		_ = json.Unmarshal(params, &input)
	}

	decision := spec.Permission(ctx, PermissionRequest{
		ToolName:  method,
		ToolInput: input,
		ToolUseID: ap.ItemID,
	})

	result := codex.ApprovalResult{Decision: "decline"}
	if decision.Allow {
		result.Decision = "accept"
	}
	_ = p.client.SendResponse(id, result, nil)
	if !decision.Allow && decision.Interrupt {
		_ = p.Interrupt()
	}
}

// approvalPolicyFor maps permission modes to the codex approval policy
// accepted at thread start.
func approvalPolicyFor(mode string) string {
	switch mode {
	case "bypassPermissions":
		return "never"
	case "acceptEdits":
		return "on-request"
	default:
		return "untrusted"
	}
}

func (p *codexProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadID
}

func (p *codexProcess) SessionKnown() <-chan struct{} { return p.known }

func (p *codexProcess) SendUserMessage(content string) error {
	p.mu.Lock()
	threadID := p.threadID
	p.mu.Unlock()
	if threadID == "" {
		return apperrors.NotStarted("codex thread")
	}
	// turn/start blocks until the turn completes; run it off the caller's
	// goroutine so sends return immediately like the stream-json backend.
	go func() {
		_, err := p.client.Call(context.Background(), codex.MethodTurnStart, codex.TurnStartParams{
			ThreadID: threadID,
			Input:    []codex.UserInput{{Type: "text", Text: content}},
		})
		if err != nil {
			p.log.WithError(err).Warn("codex turn failed")
		}
	}()
	return nil
}

func (p *codexProcess) Interrupt() error {
	p.mu.Lock()
	threadID := p.threadID
	p.mu.Unlock()
	if threadID == "" {
		return nil
	}
	return p.client.Notify(codex.MethodTurnInterrupt, codex.TurnInterruptParams{ThreadID: threadID})
}

// SetPermissionMode has no mid-thread equivalent in the codex protocol;
// the recorded mode applies on the next thread start.
func (p *codexProcess) SetPermissionMode(string) error { return nil }

func (p *codexProcess) EndInput()             { p.proc.CloseStdin() }
func (p *codexProcess) Kill()                 { p.proc.Kill() }
func (p *codexProcess) Done() <-chan struct{} { return p.proc.Done() }
