package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC protocol constants
const (
	JSONRPCVersion = "2.0"
)

// JSON-RPC error codes used by the proxy.
const (
	ParseError       = -32700
	InvalidRequest   = -32600
	MethodNotFound   = -32601
	InvalidParams    = -32602
	InternalError    = -32603
	RequestCancelled = -32800
)

// ID is a JSON-RPC message id: an integer or a string. The raw bytes are kept
// so the id round-trips bit-for-bit regardless of numeric range or encoding.
type ID struct {
	raw json.RawMessage
}

// NewNumberID creates an integer id.
func NewNumberID(n int64) ID {
	return ID{raw: json.RawMessage(fmt.Sprintf("%d", n))}
}

// NewStringID creates a string id.
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IDFromRaw wraps already-encoded id bytes without reinterpreting them.
func IDFromRaw(raw []byte) ID {
	return ID{raw: json.RawMessage(raw)}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return len(id.raw) == 0 }

// Key returns the exact encoded form, usable as a map key.
func (id ID) Key() string { return string(id.raw) }

// Raw returns the encoded id bytes.
func (id ID) Raw() json.RawMessage { return id.raw }

func (id ID) String() string { return string(id.raw) }

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	t := bytes.TrimSpace(b)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		id.raw = nil
		return nil
	}
	switch t[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		id.raw = append(json.RawMessage(nil), t...)
		return nil
	}
	return fmt.Errorf("invalid JSON-RPC id: %s", string(t))
}

// ResponseError is the error member of a JSON-RPC response.
type ResponseError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is the JSON-RPC tagged union used for messages the proxy itself
// constructs. Frames that are merely forwarded never pass through this type;
// they are inspected and rewritten in place (see frame.go) so their bytes
// survive untouched.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsRequest reports whether the message carries both id and method.
func (m *Message) IsRequest() bool { return m.ID != nil && !m.ID.IsZero() && m.Method != "" }

// IsNotification reports whether the message carries a method but no id.
func (m *Message) IsNotification() bool { return (m.ID == nil || m.ID.IsZero()) && m.Method != "" }

// IsResponse reports whether the message carries an id but no method.
func (m *Message) IsResponse() bool { return m.ID != nil && !m.ID.IsZero() && m.Method == "" }

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}

// MarshalRequest encodes a request payload.
func MarshalRequest(id ID, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw})
}

// MarshalNotification encodes a notification payload.
func MarshalNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
}

// MarshalResult encodes a success response payload. A nil result is encoded
// as JSON null, as required for methods like shutdown.
func MarshalResult(id ID, result any) ([]byte, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(&Message{JSONRPC: JSONRPCVersion, ID: &id, Result: raw})
}

// MarshalError encodes an error response payload.
func MarshalError(id ID, code int64, message string) ([]byte, error) {
	return json.Marshal(&Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Error:   &ResponseError{Code: code, Message: message},
	})
}
