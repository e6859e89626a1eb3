// Package sdk implements the worker side of the foyer IPC protocol for Go
// applications. A worker process calls Serve with a Handler; the SDK sends
// the READY frame, decodes REQUEST frames from stdin, runs the handler for
// each (concurrently), and writes RESPONSE or ERROR frames to stdout. It
// exits cleanly on a TERMINATE frame or when the front door closes stdin.
//
//	func main() {
//	    err := sdk.Serve(context.Background(), sdk.HandlerFunc(handle))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Stdout belongs to the protocol; application output must go to stderr,
// which the front door routes to a per-instance log file.
package sdk

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/foyerhq/foyer/internal/ipc"
)

// Request is one HTTP request forwarded by the front door. URL holds the
// path and query; Headers are flattened to single values.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the worker's answer to a Request.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Handler serves requests dispatched to this worker. Implementations must
// be safe for concurrent use: the front door multiplexes in-flight
// requests over one worker process.
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Serve implements Handler.
func (f HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// IdleNotifiable is implemented by handlers that want the front door's
// IDLE advisory, typically to release caches before retirement.
type IdleNotifiable interface {
	Idle()
}

// AppDir returns the application directory the front door assigned to this
// worker process.
func AppDir() string {
	return os.Getenv("APP_DIR")
}

// Entrypoint returns the resolved entry file path, or "" when the worker
// binary applies its own discovery.
func Entrypoint() string {
	return os.Getenv("FOYER_ENTRYPOINT")
}

// InstanceID returns the front door's numeric id for this worker process,
// or 0 outside a foyer worker environment.
func InstanceID() int64 {
	id, _ := strconv.ParseInt(os.Getenv("FOYER_INSTANCE_ID"), 10, 64)
	return id
}

// LowMemory reports whether the app requested low-memory mode.
func LowMemory() bool {
	return os.Getenv("FOYER_LOW_MEMORY") == "1"
}

// Serve runs the worker message loop over stdin and stdout until the front
// door asks it to stop (TERMINATE frame or stdin EOF) or ctx is canceled.
// It returns nil on an orderly stop, after all in-flight handlers have
// finished and their responses are flushed.
func Serve(ctx context.Context, h Handler) error {
	return serve(ctx, os.Stdin, os.Stdout, h)
}

// serve is the transport-agnostic loop behind Serve.
func serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	if h == nil {
		panic("foyer/sdk: handler must not be nil")
	}

	enc := ipc.NewEncoder(w)
	dec := ipc.NewDecoder(r)

	if err := enc.Encode(ipc.Ready()); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	// ctx is canceled on TERMINATE so long-running handlers can observe
	// the shutdown and finish early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch msg.Type {
		case ipc.TypeRequest:
			req := msg.Req
			reqID := msg.ReqID
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				handleOne(ctx, enc, h, reqID, req)
			}()

		case ipc.TypeIdle:
			if n, ok := h.(IdleNotifiable); ok {
				n.Idle()
			}

		case ipc.TypeTerminate:
			cancel()
			return nil

		default:
			// Unknown and parent-bound frame types are ignored so the
			// protocol can grow without breaking older workers.
		}
	}
}

// handleOne runs the handler for a single request and writes its RESPONSE
// or ERROR frame. A handler panic fails only this request.
func handleOne(ctx context.Context, enc *ipc.Encoder, h Handler, reqID string, req *ipc.Request) {
	var (
		resp *Response
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		in := &Request{}
		if req != nil {
			in.Method = req.Method
			in.URL = req.URL
			in.Headers = req.Headers
			in.Body = req.Body
		}
		resp, err = h.Serve(ctx, in)
	}()

	switch {
	case err != nil:
		writeFrame(enc, ipc.NewError(reqID, err.Error()))
	case resp == nil:
		writeFrame(enc, ipc.NewError(reqID, "handler returned no response"))
	default:
		writeFrame(enc, ipc.NewResponse(reqID, ipc.Response{
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		}))
	}
}

// writeFrame reports encode failures to stderr; with stdout broken the
// front door will observe the process exit and fail the request anyway.
func writeFrame(enc *ipc.Encoder, m ipc.Message) {
	if err := enc.Encode(m); err != nil {
		fmt.Fprintf(os.Stderr, "foyer/sdk: write %s frame: %v\n", m.Type, err)
	}
}
