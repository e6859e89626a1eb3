package sdk

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foyerhq/foyer/internal/ipc"
)

// harness runs serve over in-memory pipes and plays the front door's side.
type harness struct {
	enc  *ipc.Encoder
	dec  *ipc.Decoder
	stop func() error
}

func newHarness(t *testing.T, h Handler) *harness {
	t.Helper()

	childIn, parentOut := io.Pipe()
	parentIn, childOut := io.Pipe()

	var serveErr error
	done := make(chan struct{})
	go func() {
		serveErr = serve(context.Background(), childIn, childOut, h)
		close(done)
	}()
	t.Cleanup(func() {
		parentOut.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("serve did not return")
		}
	})

	return &harness{
		enc: ipc.NewEncoder(parentOut),
		dec: ipc.NewDecoder(parentIn),
		stop: func() error {
			parentOut.Close()
			select {
			case <-done:
				return serveErr
			case <-time.After(5 * time.Second):
				return errors.New("serve did not return")
			}
		},
	}
}

func (h *harness) expectFrame(t *testing.T, want ipc.Type) ipc.Message {
	t.Helper()
	msg, err := h.dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Type != want {
		t.Fatalf("frame type = %s, want %s", msg.Type, want)
	}
	return msg
}

func echoHandler(_ context.Context, req *Request) (*Response, error) {
	return &Response{
		Status:  200,
		Headers: map[string]string{"X-Method": req.Method},
		Body:    req.Body,
	}, nil
}

func TestServe_ReadySentFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(echoHandler))
	h.expectFrame(t, ipc.TypeReady)
}

func TestServe_RequestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(echoHandler))
	h.expectFrame(t, ipc.TypeReady)

	err := h.enc.Encode(ipc.NewRequest("req-1", ipc.Request{
		Method: "POST",
		URL:    "/orders",
		Body:   []byte("payload"),
	}))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	msg := h.expectFrame(t, ipc.TypeResponse)
	if msg.ReqID != "req-1" {
		t.Errorf("reqId = %q, want req-1", msg.ReqID)
	}
	if msg.Status != 200 {
		t.Errorf("status = %d, want 200", msg.Status)
	}
	if string(msg.Body) != "payload" {
		t.Errorf("body = %q, want payload", msg.Body)
	}
	if msg.Headers["X-Method"] != "POST" {
		t.Errorf("X-Method header = %q, want POST", msg.Headers["X-Method"])
	}
}

func TestServe_HandlerErrorBecomesErrorFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("db unreachable")
	}))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.NewRequest("req-1", ipc.Request{Method: "GET", URL: "/"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	msg := h.expectFrame(t, ipc.TypeError)
	if msg.ReqID != "req-1" || msg.Reason != "db unreachable" {
		t.Errorf("error frame = %q/%q, want req-1/db unreachable", msg.ReqID, msg.Reason)
	}
}

func TestServe_HandlerPanicFailsOnlyThatRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		if req.URL == "/boom" {
			panic("unexpected state")
		}
		return &Response{Status: 204}, nil
	}))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.NewRequest("bad", ipc.Request{Method: "GET", URL: "/boom"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	msg := h.expectFrame(t, ipc.TypeError)
	if !strings.Contains(msg.Reason, "handler panic") {
		t.Errorf("reason = %q, want handler panic mention", msg.Reason)
	}

	if err := h.enc.Encode(ipc.NewRequest("good", ipc.Request{Method: "GET", URL: "/"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	msg = h.expectFrame(t, ipc.TypeResponse)
	if msg.ReqID != "good" || msg.Status != 204 {
		t.Errorf("follow-up = %q/%d, want good/204", msg.ReqID, msg.Status)
	}
}

func TestServe_NilResponseBecomesErrorFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, nil
	}))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.NewRequest("req-1", ipc.Request{Method: "GET", URL: "/"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	h.expectFrame(t, ipc.TypeError)
}

func TestServe_UnknownFrameIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(echoHandler))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.Message{Type: "FUTURE_THING"}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := h.enc.Encode(ipc.NewRequest("req-1", ipc.Request{Method: "GET", URL: "/"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	h.expectFrame(t, ipc.TypeResponse)
}

func TestServe_TerminateStopsLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(echoHandler))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.Message{Type: ipc.TypeTerminate}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := h.stop(); err != nil {
		t.Errorf("serve returned %v after TERMINATE, want nil", err)
	}
}

func TestServe_StdinEOFStopsLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, HandlerFunc(echoHandler))
	h.expectFrame(t, ipc.TypeReady)

	if err := h.stop(); err != nil {
		t.Errorf("serve returned %v after EOF, want nil", err)
	}
}

// idleHandler records IDLE advisories and answers requests so the test can
// order its observation after the advisory was consumed.
type idleHandler struct {
	idled atomic.Bool
}

func (h *idleHandler) Serve(context.Context, *Request) (*Response, error) {
	return &Response{Status: 200}, nil
}

func (h *idleHandler) Idle() { h.idled.Store(true) }

func TestServe_IdleAdvisoryReachesHandler(t *testing.T) {
	t.Parallel()

	handler := &idleHandler{}
	h := newHarness(t, handler)
	h.expectFrame(t, ipc.TypeReady)

	if err := h.enc.Encode(ipc.Message{Type: ipc.TypeIdle}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	// IDLE is handled inline by the loop, so a served request afterwards
	// guarantees the advisory was processed.
	if err := h.enc.Encode(ipc.NewRequest("req-1", ipc.Request{Method: "GET", URL: "/"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	h.expectFrame(t, ipc.TypeResponse)

	if !handler.idled.Load() {
		t.Error("Idle() was not called")
	}
}
