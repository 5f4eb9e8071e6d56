package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/correlate"
)

// Scanner buffer sizing: allow for large JSON messages (up to 10MB).
const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 10 * 1024 * 1024
)

// request is an outbound correlator-tagged message to an app server.
type request struct {
	ID      string          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverMessage is anything an app server writes to stdout: a tagged
// response (id + result or error) or an untagged event envelope.
type serverMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventHandler receives untagged event payloads from the server.
type EventHandler func(payload json.RawMessage)

// ServerBridge is the long-lived app-server flavor of the process bridge:
// request/response over newline-delimited JSON, correlated by id, plus an
// event stream broadcast without correlation.
type ServerBridge struct {
	name   string
	stdin  io.Writer
	stdout io.Reader
	corr   *correlate.Correlator
	logger *logger.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onEvent   EventHandler

	done     chan struct{}
	stopOnce sync.Once
}

// NewServerBridge creates a bridge over existing streams. Call Start to
// begin the read loop.
func NewServerBridge(name string, stdin io.Writer, stdout io.Reader, log *logger.Logger) *ServerBridge {
	return &ServerBridge{
		name:   name,
		stdin:  stdin,
		stdout: stdout,
		corr:   correlate.New(),
		logger: log.WithFields(zap.String("component", "server-bridge"), zap.String("server", name)),
		done:   make(chan struct{}),
	}
}

// OnEvent sets the handler for untagged server events.
func (b *ServerBridge) OnEvent(fn EventHandler) {
	b.handlerMu.Lock()
	b.onEvent = fn
	b.handlerMu.Unlock()
}

// Start begins reading server messages in a goroutine.
func (b *ServerBridge) Start(ctx context.Context) {
	go b.readLoop(ctx)
}

// Stop ends the read loop and rejects all in-flight calls.
func (b *ServerBridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.corr.RejectAll(apperrors.ProcessExited(b.name, nil))
	})
}

// RejectAll fails every in-flight call with err. Wired to the owning
// process's terminate hook so callers never wait on a dead process.
func (b *ServerBridge) RejectAll(err error) {
	b.corr.RejectAll(err)
}

// Call sends a correlator-tagged request and waits for the matching
// response, the bridge stopping, or ctx expiring.
func (b *ServerBridge) Call(ctx context.Context, verb string, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.InvalidArgument(fmt.Sprintf("marshal %s payload: %v", verb, err))
		}
		raw = data
	}

	id := b.corr.NextID()
	ch := b.corr.Register(id)

	if err := b.send(&request{ID: id, Verb: verb, Payload: raw}); err != nil {
		b.corr.Cancel(id)
		return nil, apperrors.OperationFailed(fmt.Sprintf("send %s to %s", verb, b.name), err)
	}

	select {
	case <-ctx.Done():
		b.corr.Cancel(id)
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Payload, nil
	}
}

func (b *ServerBridge) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = b.stdin.Write(data)
	return err
}

func (b *ServerBridge) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(b.stdout)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		b.logger.Warn("read loop error", zap.Error(err))
	}
}

func (b *ServerBridge) handleLine(line []byte) {
	var msg serverMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Warn("failed to parse server message",
			zap.Error(err), zap.String("line", string(line)))
		return
	}

	// Untagged event envelope: broadcast without correlation.
	if msg.Type == "event" {
		b.handlerMu.RLock()
		handler := b.onEvent
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(msg.Payload)
		}
		return
	}

	if msg.ID == "" {
		b.logger.Warn("server message without id", zap.String("line", string(line)))
		return
	}

	if msg.Error != "" {
		if !b.corr.Reject(msg.ID, apperrors.OperationFailed(msg.Error, nil)) {
			b.logger.Debug("error response for unknown request", zap.String("request_id", msg.ID))
		}
		return
	}

	if !b.corr.Resolve(msg.ID, msg.Result) {
		b.logger.Debug("response for unknown request", zap.String("request_id", msg.ID))
	}
}

// drainLines reads r line by line, invoking fn per line, until EOF.
func drainLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
