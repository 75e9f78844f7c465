package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind classifies a raw frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// FrameInfo is the result of classifying a raw frame without unmarshalling it.
type FrameInfo struct {
	Kind   Kind
	Method string
	ID     ID
}

// Inspect classifies a raw frame and extracts its method and id. The id keeps
// its exact wire encoding.
func Inspect(frame []byte) FrameInfo {
	idRes := gjson.GetBytes(frame, "id")
	methodRes := gjson.GetBytes(frame, "method")

	hasID := idRes.Exists() && idRes.Type != gjson.Null
	hasMethod := methodRes.Exists() && methodRes.Type == gjson.String

	info := FrameInfo{Kind: KindInvalid}
	if hasMethod {
		info.Method = methodRes.String()
	}
	if hasID {
		info.ID = IDFromRaw([]byte(idRes.Raw))
	}

	switch {
	case hasMethod && hasID:
		info.Kind = KindRequest
	case hasMethod:
		info.Kind = KindNotification
	case hasID:
		info.Kind = KindResponse
	}
	return info
}

// TextDocumentURI extracts params.textDocument.uri, or "" if absent.
func TextDocumentURI(frame []byte) string {
	return gjson.GetBytes(frame, "params.textDocument.uri").String()
}

// CancelID extracts the target id of a $/cancelRequest notification.
func CancelID(frame []byte) (ID, bool) {
	res := gjson.GetBytes(frame, "params.id")
	if !res.Exists() || res.Type == gjson.Null {
		return ID{}, false
	}
	return IDFromRaw([]byte(res.Raw)), true
}

// ProgressIsEnd reports whether a $/progress notification carries a
// value.kind == "end" payload, which marks the end of backend indexing.
func ProgressIsEnd(frame []byte) bool {
	return gjson.GetBytes(frame, "params.value.kind").String() == "end"
}

// DiagnosticsURI extracts params.uri from a publishDiagnostics notification.
func DiagnosticsURI(frame []byte) string {
	return gjson.GetBytes(frame, "params.uri").String()
}

// Params returns the raw params member of a frame, or nil.
func Params(frame []byte) json.RawMessage {
	res := gjson.GetBytes(frame, "params")
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

// RewriteID returns a copy of the frame with its id member replaced. All
// other bytes are preserved as sent.
func RewriteID(frame []byte, id ID) ([]byte, error) {
	return sjson.SetRawBytes(frame, "id", id.Raw())
}
