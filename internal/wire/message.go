package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

// Version is the only protocol version emitted and accepted.
const Version = "2.0"

// Standard JSON-RPC error codes used by the host.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// Kind classifies a decoded frame.
type Kind int

const (
	// KindRequest is a call that expects exactly one response.
	KindRequest Kind = iota
	// KindNotification is a call without an id; it is never answered.
	KindNotification
	// KindResponse carries a result or error for an earlier request.
	KindResponse
)

// String returns a log-friendly name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ID is a request identifier that remembers its wire encoding.
// The zero value represents an absent or null id.
type ID struct {
	raw json.RawMessage
}

// NumberID returns a numeric id.
func NumberID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID returns a string id.
func StringID(s string) ID {
	data, _ := json.Marshal(s)

	return ID{raw: data}
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool {
	return len(id.raw) == 0
}

// IsString reports whether the id was encoded as a JSON string.
func (id ID) IsString() bool {
	return len(id.raw) > 0 && id.raw[0] == '"'
}

// Key returns a stable map key for the id. String and numeric ids with the
// same text produce different keys.
func (id ID) Key() string {
	return string(id.raw)
}

// String returns the id value without JSON quoting.
func (id ID) String() string {
	if id.IsString() {
		var s string
		if json.Unmarshal(id.raw, &s) == nil {
			return s
		}
	}

	return string(id.raw)
}

// MarshalJSON writes the id exactly as it was received, or null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}

	return id.raw, nil
}

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = nil

		return nil
	}

	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid numeric id: %w", err)
		}
	default:
		return fmt.Errorf("id must be a string, number or null, got %s", data)
	}

	id.raw = append(json.RawMessage(nil), data...)

	return nil
}

// Error is the error member of a response.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Message is any decoded frame: request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the message.
func (m *Message) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID.IsZero():
		return KindNotification
	default:
		return KindRequest
	}
}

// Request is an outbound call or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *ID    `json:"id,omitempty"`
}

// Response is an outbound reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a request carrying the given id.
func NewRequest(id ID, method string, params any) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params, ID: &id}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response. A nil value encodes as JSON null.
func NewResult(id ID, value any) (*Response, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, code int, message string, data map[string]any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// Decode parses one frame. Malformed JSON, a wrong version, or a frame that
// is neither a call nor a response yields a *errors.FrameDecodeError.
// The returned code tells the caller which error code to answer with.
//
// A missing jsonrpc member is accepted. When the frame is valid JSON and its
// id could be read, the returned message carries that id even on error so
// the caller can echo it.
func Decode(frame []byte) (*Message, int, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		if !json.Valid(frame) {
			return nil, CodeParseError, &errors.FrameDecodeError{RawData: string(frame), Err: err}
		}

		return salvageID(frame), CodeInvalidRequest, &errors.FrameDecodeError{RawData: string(frame), Err: err}
	}

	if msg.JSONRPC != "" && msg.JSONRPC != Version {
		return &Message{ID: msg.ID}, CodeInvalidRequest, &errors.FrameDecodeError{
			RawData: string(frame),
			Err:     fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC),
		}
	}

	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		if !hasMember(frame, "result") {
			return &Message{ID: msg.ID}, CodeInvalidRequest, &errors.FrameDecodeError{
				RawData: string(frame),
				Err:     fmt.Errorf("frame has neither method nor result"),
			}
		}

		msg.Result = json.RawMessage("null")
	}

	return &msg, 0, nil
}

// salvageID returns a message holding only the frame's id, or nil when the
// frame is not an object or its id is unusable.
func salvageID(frame []byte) *Message {
	var envelope struct {
		ID ID `json:"id"`
	}

	if json.Unmarshal(frame, &envelope) != nil || envelope.ID.IsZero() {
		return nil
	}

	return &Message{ID: envelope.ID}
}

func hasMember(frame []byte, name string) bool {
	var members map[string]json.RawMessage
	if json.Unmarshal(frame, &members) != nil {
		return false
	}

	_, ok := members[name]

	return ok
}

// AdvisoryTimeout reads the optional "timeout" member (in seconds) of a
// params object. It returns zero when absent or not a positive number.
func AdvisoryTimeout(params json.RawMessage) float64 {
	if len(params) == 0 || params[0] != '{' {
		return 0
	}

	var probe struct {
		Timeout *float64 `json:"timeout"`
	}

	if err := json.Unmarshal(params, &probe); err != nil || probe.Timeout == nil || *probe.Timeout <= 0 {
		return 0
	}

	return *probe.Timeout
}
