package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func newTestClient(t *testing.T) (*Client, <-chan Request, func(line string)) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	client := NewClient(inW, outR, newTestLogger())
	client.Start(context.Background())
	t.Cleanup(client.Stop)

	reqCh := make(chan Request, 16)
	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				reqCh <- req
			}
		}
	}()

	respond := func(line string) {
		_, _ = outW.Write([]byte(line + "\n"))
	}
	return client, reqCh, respond
}

func TestClient_CallRoundTrip(t *testing.T) {
	client, requests, respond := newTestClient(t)

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := client.Call(context.Background(), MethodThreadStart, &ThreadStartParams{Cwd: "/tmp/p"})
		done <- result{payload, err}
	}()

	var req Request
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatal("request never sent")
	}
	if req.Method != MethodThreadStart {
		t.Errorf("method = %q, want %q", req.Method, MethodThreadStart)
	}

	id := int64(req.ID.(float64))
	respond(`{"id":` + json.Number(jsonInt(id)).String() + `,"result":{"thread":{"id":"th-1"}}}`)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Call() error = %v", res.err)
		}
		var tr ThreadResult
		if err := json.Unmarshal(res.payload, &tr); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if tr.Thread == nil || tr.Thread.ID != "th-1" {
			t.Errorf("thread = %+v", tr.Thread)
		}
	case <-time.After(time.Second):
		t.Fatal("Call() never resolved")
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestClient_CallRPCError(t *testing.T) {
	client, requests, respond := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodTurnStart, nil)
		done <- err
	}()

	req := <-requests
	respond(`{"id":` + jsonInt(int64(req.ID.(float64))) + `,"error":{"code":-32600,"message":"bad turn"}}`)

	select {
	case err := <-done:
		if !apperrors.HasCode(err, apperrors.ErrCodeOperationFailed) {
			t.Errorf("err = %v, want OPERATION_FAILED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call() never resolved")
	}
}

func TestClient_NotificationDispatch(t *testing.T) {
	client, _, respond := newTestClient(t)

	methods := make(chan string, 1)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		methods <- method
	})

	respond(`{"method":"turn/completed","params":{"threadId":"th-1"}}`)

	select {
	case m := <-methods:
		if m != NotifyTurnCompleted {
			t.Errorf("method = %q, want %q", m, NotifyTurnCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestClient_ReverseRequestDispatch(t *testing.T) {
	client, _, respond := newTestClient(t)

	type reverse struct {
		id     interface{}
		method string
	}
	reverses := make(chan reverse, 1)
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		reverses <- reverse{id, method}
	})

	respond(`{"id":77,"method":"item/commandExecution/requestApproval","params":{"threadId":"th-1","itemId":"it-1"}}`)

	select {
	case r := <-reverses:
		if r.method != NotifyItemCmdExecRequestApproval {
			t.Errorf("method = %q", r.method)
		}
		if int64(r.id.(float64)) != 77 {
			t.Errorf("id = %v, want 77", r.id)
		}
	case <-time.After(time.Second):
		t.Fatal("reverse request never dispatched")
	}
}

func TestClient_StopRejectsInFlight(t *testing.T) {
	client, requests, _ := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodInitialize, nil)
		done <- err
	}()

	<-requests
	client.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Call() after Stop = nil, want error")
		}
	case <-time.After(time.Second):
		t.Fatal("caller still waiting after Stop")
	}
}
