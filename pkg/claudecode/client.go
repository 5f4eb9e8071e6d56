package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/correlate"
)

// RequestHandler handles incoming control requests from Claude Code CLI.
// It receives the request ID and control request, and should eventually
// call SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from Claude Code CLI.
type MessageHandler func(msg *CLIMessage)

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and drives a push-based input channel
// into stdin: user messages are produced by SendUserMessage and consumed by
// a dedicated writer goroutine, so callers never block on the child's pipe.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	// Handlers for incoming messages
	requestHandler RequestHandler
	messageHandler MessageHandler
	mu             sync.RWMutex

	// Control requests we sent, waiting for responses
	pending *correlate.Correlator

	// Push-based input stream
	input       chan *UserMessage
	inputClosed bool
	inputMu     sync.Mutex

	// Assigned session id, learned from the first system message
	sessionID    string
	sessionKnown chan struct{}
	sessionMu    sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new Claude Code CLI client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:        stdin,
		stdout:       stdout,
		logger:       log.WithFields(zap.String("component", "claudecode-client")),
		pending:      correlate.New(),
		input:        make(chan *UserMessage, 16),
		sessionKnown: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins the stdout read loop and the stdin writer loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
}

// Stop stops the client and fails any in-flight control requests.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.pending.RejectAll(apperrors.ProcessExited("claude", nil))
	})
}

// SessionID returns the best-known session id, which may be empty until the
// process has emitted its first system message.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// SessionKnown is closed once the assigned session id has been observed.
func (c *Client) SessionKnown() <-chan struct{} {
	return c.sessionKnown
}

// SendUserMessage pushes a prompt onto the input stream, tagged with the
// current session id. Fails once EndInput has been called.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
		SessionID: c.SessionID(),
	}

	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	if c.inputClosed {
		return apperrors.Closed("input stream closed")
	}
	select {
	case c.input <- msg:
		return nil
	case <-c.done:
		return apperrors.ProcessExited("claude", nil)
	}
}

// EndInput closes the input stream. The writer loop drains what is queued
// and exits; the CLI sees EOF on stdin and finishes gracefully.
func (c *Client) EndInput() {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	if !c.inputClosed {
		c.inputClosed = true
		close(c.input)
	}
}

// Interrupt asks the CLI to stop the current turn. Best-effort: the
// response is not awaited.
func (c *Client) Interrupt() error {
	return c.sendControl(SDKControlRequestBody{Subtype: SubtypeInterrupt}, nil)
}

// SetPermissionMode propagates a permission mode change to the CLI.
func (c *Client) SetPermissionMode(mode string) error {
	return c.sendControl(SDKControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode}, nil)
}

// Initialize sends the initialize control request and waits for the
// response, bounded by timeout.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	ch := make(chan *IncomingControlResponse, 1)
	if err := c.sendControl(SDKControlRequestBody{Subtype: SubtypeInitialize}, ch); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("initialize request timed out after %v", timeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("initialize failed: %s", resp.Error)
		}
		return nil
	}
}

// SendControlResponse sends a control response (e.g. a permission result)
// back to the CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// sendControl sends an SDK control request. When waiter is non-nil the
// response will be delivered on it; otherwise the response is discarded.
func (c *Client) sendControl(body SDKControlRequestBody, waiter chan *IncomingControlResponse) error {
	requestID := uuid.New().String()

	if waiter != nil {
		ch := c.pending.Register(requestID)
		go func() {
			out := <-ch
			if out.Err != nil {
				waiter <- &IncomingControlResponse{RequestID: requestID, Subtype: "error", Error: out.Err.Error()}
				return
			}
			var resp IncomingControlResponse
			if err := json.Unmarshal(out.Payload, &resp); err != nil {
				waiter <- &IncomingControlResponse{RequestID: requestID, Subtype: "error", Error: err.Error()}
				return
			}
			waiter <- &resp
		}()
	}

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	if err := c.send(req); err != nil {
		if waiter != nil {
			c.pending.Cancel(requestID)
		}
		return fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}
	return nil
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-c.input:
			if !ok {
				return
			}
			if err := c.send(msg); err != nil {
				c.logger.Warn("failed to write user message", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	if msg.SessionID != "" {
		c.observeSessionID(msg.SessionID)
	}

	// Control requests (from Claude to us, e.g. permission requests)
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	// Control responses (from Claude back to us, e.g. initialize response).
	// Note: request_id is inside the response object, not at the message level.
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		raw, _ := json.Marshal(msg.Response)
		if !c.pending.Resolve(msg.Response.RequestID, raw) {
			c.logger.Warn("control response for unknown request",
				zap.String("request_id", msg.Response.RequestID))
		}
		return
	}

	// Forward other messages to the message handler
	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		msg.RawContent = line
		handler(&msg)
	}
}

func (c *Client) observeSessionID(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	first := c.sessionID == ""
	c.sessionID = id
	if first {
		close(c.sessionKnown)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("received control request but no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	// Auto-deny if no handler
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}
