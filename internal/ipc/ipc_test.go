package ipc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := Request{
		Method:  "POST",
		URL:     "/blog/posts?draft=1",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"title":"hi"}`),
	}
	if err := enc.Encode(NewRequest("req-1", req)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(NewResponse("req-1", Response{Status: 201, Body: []byte("ok")})); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&buf)

	m1, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m1.Type != TypeRequest || m1.ReqID != "req-1" {
		t.Fatalf("got %+v, want REQUEST req-1", m1)
	}
	if m1.Req == nil || m1.Req.Method != "POST" || string(m1.Req.Body) != `{"title":"hi"}` {
		t.Fatalf("request payload corrupted: %+v", m1.Req)
	}

	m2, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m2.Type != TypeResponse || m2.Status != 201 || string(m2.Body) != "ok" {
		t.Fatalf("response payload corrupted: %+v", m2)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestEncoder_ConcurrentWritersKeepFramesIntact(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	enc := NewEncoder(pw)
	dec := NewDecoder(pr)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := NewResponse("r", Response{Status: 200, Body: bytes.Repeat([]byte("x"), 512)})
				if err := enc.Encode(msg); err != nil {
					t.Errorf("Encode: %v", err)
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		pw.Close()
	}()

	seen := 0
	for {
		m, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode after %d frames: %v", seen, err)
		}
		if m.Type != TypeResponse || len(m.Body) != 512 {
			t.Fatalf("frame %d corrupted: type=%s len=%d", seen, m.Type, len(m.Body))
		}
		seen++
	}
	if seen != writers*perWriter {
		t.Fatalf("decoded %d frames, want %d", seen, writers*perWriter)
	}
}

func TestDecode_UnknownTypeSurvives(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(strings.NewReader(`{"type":"PING","extra":true}` + "\n" + `{"type":"READY"}` + "\n"))

	m, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type.Known() {
		t.Fatalf("PING should not be a known type")
	}

	m, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != TypeReady {
		t.Fatalf("stream did not survive unknown frame, got %+v", m)
	}
}

func TestDecode_MalformedFrameIsError(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(strings.NewReader(`{"type": READY}`))
	if _, err := dec.Decode(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("malformed frame should produce a non-EOF error, got %v", err)
	}
}

func TestTypeKnown(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{TypeReady, TypeRequest, TypeResponse, TypeError, TypeIdle, TypeTerminate} {
		if !typ.Known() {
			t.Errorf("%s should be known", typ)
		}
	}
	if Type("NOPE").Known() {
		t.Error("NOPE should not be known")
	}
}
