package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","id":"abc-123","result":{"capabilities":{}}}`,
		`{"jsonrpc":"2.0","id":-7,"error":{"code":-32800,"message":"Request cancelled"}}`,
		`{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///a.py","text":"print('é')"}}}`,
	}

	buf := &bytes.Buffer{}
	w := NewFrameWriter(buf)
	for _, p := range payloads {
		if err := w.WriteFrame([]byte(p)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := NewFrameReader(buf)
	for i, want := range payloads {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("frame %d mismatch:\n got %q\nwant %q", i, got, want)
		}
	}

	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestFrameReaderIgnoresOtherHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"shutdown"}`
	input := fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	r := NewFrameReader(strings.NewReader(input))
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != body {
		t.Fatalf("body mismatch: %q", got)
	}
}

func TestFrameReaderMissingContentLength(t *testing.T) {
	r := NewFrameReader(strings.NewReader("Content-Type: application/json\r\n\r\n{}"))
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrMissingContentLength) {
		t.Fatalf("expected ErrMissingContentLength, got %v", err)
	}
}

func TestFrameReaderMalformedHeader(t *testing.T) {
	r := NewFrameReader(strings.NewReader("this is not a header\r\n\r\n"))
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestFrameReaderInvalidContentLength(t *testing.T) {
	r := NewFrameReader(strings.NewReader("Content-Length: nope\r\n\r\n{}"))
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrInvalidContentLength) {
		t.Fatalf("expected ErrInvalidContentLength, got %v", err)
	}
}

func TestFrameReaderTruncatedBody(t *testing.T) {
	r := NewFrameReader(strings.NewReader("Content-Length: 100\r\n\r\n{\"jsonrpc\":\"2.0\"}"))
	_, err := r.ReadFrame()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestFrameReaderTruncatedHeaders(t *testing.T) {
	r := NewFrameReader(strings.NewReader("Content-Length: 10\r\n"))
	_, err := r.ReadFrame()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestIDRoundTrip(t *testing.T) {
	cases := []string{`1`, `0`, `-42`, `9007199254740993`, `"abc"`, `"with \"quotes\""`}
	for _, raw := range cases {
		var id ID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %q: %v", raw, err)
		}
		out, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %q: %v", raw, err)
		}
		if string(out) != raw {
			t.Fatalf("id %q did not round trip: got %q", raw, out)
		}
	}

	var id ID
	if err := json.Unmarshal([]byte(`{"nested":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}
