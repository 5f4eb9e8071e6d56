package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/correlate"
)

// Client handles Codex JSON-RPC communication over stdin/stdout streams.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	pending *correlate.Correlator
	writeMu sync.Mutex

	handlerMu      sync.RWMutex
	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new Codex JSON-RPC client
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: correlate.New(),
		logger:  log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.handlerMu.Lock()
	c.onNotification = handler
	c.handlerMu.Unlock()
}

// SetRequestHandler sets the handler for incoming reverse requests
// (e.g. approval requests) from the agent.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.handlerMu.Lock()
	c.onRequest = handler
	c.handlerMu.Unlock()
}

// Start begins reading responses from stdout
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and fails any in-flight calls.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.pending.RejectAll(apperrors.ProcessExited("codex", nil))
	})
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.pending.NextID()
	ch := c.pending.Register(id)

	// The wire id is numeric; the correlator id is its decimal form.
	numericID, _ := strconv.ParseInt(id, 10, 64)
	req := &Request{ID: numericID, Method: method, Params: paramsJSON}

	if err := c.send(req); err != nil {
		c.pending.Cancel(id)
		return nil, err
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Payload, nil
	case <-ctx.Done():
		c.pending.Cancel(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, apperrors.Closed("codex client stopped")
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse sends a response to an agent reverse request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var marshalErr error
		resultJSON, marshalErr = json.Marshal(result)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal result: %w", marshalErr)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

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

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(msg.ID, msg.Result, msg.Error)
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod && !hasID:
			c.handleNotification(msg.Method, msg.Params)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(id interface{}, result json.RawMessage, rpcErr *Error) {
	key := normalizeID(id)
	if rpcErr != nil {
		if !c.pending.Reject(key, apperrors.OperationFailed(rpcErr.Message, nil)) {
			c.logger.Warn("error response for unknown request", zap.Any("id", id))
		}
		return
	}
	if !c.pending.Resolve(key, result) {
		c.logger.Warn("received response for unknown request", zap.Any("id", id))
	}
}

// normalizeID maps a wire id back to its correlator key. JSON numbers
// arrive as float64.
func normalizeID(id interface{}) string {
	switch v := id.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handler := c.onNotification
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(method, params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handler := c.onRequest
	c.handlerMu.RUnlock()

	if handler != nil {
		handler(id, method, params)
		return
	}

	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
