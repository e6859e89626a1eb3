// Package ipc defines the wire protocol between the front door and its
// worker processes: a stream of newline-delimited JSON frames over the
// child's stdin and stdout. Body payloads travel as []byte and encode as
// base64 strings on the wire.
//
// Child to parent: READY (once, after boot), RESPONSE and ERROR (per
// request). Parent to child: REQUEST, IDLE (advisory, at most once) and
// TERMINATE. Receivers ignore frames with unknown types so either side can
// be extended without breaking the other.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Type discriminates the frames exchanged over the worker pipes.
type Type string

const (
	// TypeReady is sent by the child exactly once when it can accept requests.
	// Repeats are ignored by the parent.
	TypeReady Type = "READY"
	// TypeRequest carries an HTTP request from parent to child.
	TypeRequest Type = "REQUEST"
	// TypeResponse carries the child's answer to a REQUEST.
	TypeResponse Type = "RESPONSE"
	// TypeError reports a per-request failure in the child. The worker stays
	// usable; only the named request fails.
	TypeError Type = "ERROR"
	// TypeIdle tells the child its idle deadline elapsed. Advisory only.
	TypeIdle Type = "IDLE"
	// TypeTerminate asks the child to finish in-flight work and exit.
	TypeTerminate Type = "TERMINATE"
)

// Known reports whether t is part of the protocol. Receivers drop unknown
// frames instead of failing the stream.
func (t Type) Known() bool {
	switch t {
	case TypeReady, TypeRequest, TypeResponse, TypeError, TypeIdle, TypeTerminate:
		return true
	}
	return false
}

// Request is the HTTP request payload forwarded to a worker. URL holds the
// path and query as seen by the front door; headers are flattened to single
// values with multi-value headers joined by ", ".
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is a worker's answer to a single request.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Message is the single frame shape for every protocol type. Fields beyond
// Type are populated per type: ReqID on REQUEST/RESPONSE/ERROR, Req on
// REQUEST, Status/Headers/Body on RESPONSE, Reason on ERROR.
type Message struct {
	Type    Type              `json:"type"`
	ReqID   string            `json:"reqId,omitempty"`
	Req     *Request          `json:"req,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Reason  string            `json:"message,omitempty"`
}

// Ready builds a READY frame.
func Ready() Message {
	return Message{Type: TypeReady}
}

// NewRequest builds a REQUEST frame for the given request id.
func NewRequest(reqID string, req Request) Message {
	return Message{Type: TypeRequest, ReqID: reqID, Req: &req}
}

// NewResponse builds a RESPONSE frame answering reqID.
func NewResponse(reqID string, resp Response) Message {
	return Message{
		Type:    TypeResponse,
		ReqID:   reqID,
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    resp.Body,
	}
}

// NewError builds an ERROR frame answering reqID.
func NewError(reqID, reason string) Message {
	return Message{Type: TypeError, ReqID: reqID, Reason: reason}
}

// Response extracts the response payload from a RESPONSE frame.
func (m Message) Response() Response {
	return Response{Status: m.Status, Headers: m.Headers, Body: m.Body}
}

// Encoder writes frames to a stream. It serializes concurrent writers so
// interleaved requests never corrupt the frame boundary.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing newline-delimited frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one frame. Safe for concurrent use.
func (e *Encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return nil
}

// Decoder reads frames from a stream. Not safe for concurrent use; each
// pipe has exactly one reader goroutine.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next frame. It returns io.EOF when the stream closed
// cleanly between frames, and a wrapped error for malformed input.
func (d *Decoder) Decode() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}
