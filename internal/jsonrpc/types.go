// Package jsonrpc implements the JSON-RPC 2.0 wire envelope: requests,
// responses, batches, and the well-known error codes.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version. The only legal wire value is
// "2.0"; anything else fails to decode.
type Version struct{}

func (Version) MarshalJSON() ([]byte, error) {
	return []byte(`"2.0"`), nil
}

func (Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("jsonrpc version: %w", err)
	}
	if s != "2.0" {
		return fmt.Errorf("jsonrpc version: unsupported %q", s)
	}
	return nil
}

// ID is a JSON-RPC request/response identifier: a string, a number, or
// null. Numbers are kept as json.Number so integers round-trip without
// float drift.
type ID struct {
	// Null is true when the id was JSON null.
	Null bool
	// Str holds the string form when the id is a string.
	Str string
	// IsStr distinguishes the zero-value string id from "not a string".
	IsStr bool
	// Num holds the number form when the id is numeric.
	Num json.Number
}

// NullID returns the canonical id used for responses to malformed requests
// that never had a usable id of their own.
func NullID() ID {
	return ID{Null: true}
}

// NumberID builds an integer-valued id, the form used for ids the proxy
// itself generates for outbound upstream calls.
func NumberID(n int64) ID {
	return ID{Num: json.Number(fmt.Sprintf("%d", n))}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.Null:
		return []byte("null"), nil
	case id.IsStr:
		return json.Marshal(id.Str)
	default:
		if id.Num == "" {
			return []byte("null"), nil
		}
		return []byte(id.Num.String()), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		*id = ID{Null: true}
	case string:
		*id = ID{Str: v, IsStr: true}
	case json.Number:
		*id = ID{Num: v}
	default:
		return fmt.Errorf("id: must be a string, number, or null")
	}
	return nil
}

// Params is the JSON-RPC "params" member: either a positional array or a
// named object. Exactly one of Array/Object is populated after decode.
type Params struct {
	Array  []json.RawMessage
	Object map[string]json.RawMessage
}

// ArrayParams builds positional params, the only form this proxy ever
// constructs for outbound requests.
func ArrayParams(values ...json.RawMessage) *Params {
	return &Params{Array: values}
}

// Value returns the params re-expressed as a single JSON value, the shape
// local method handlers deserialize their typed parameter tuple from.
func (p *Params) Value() json.RawMessage {
	if p == nil {
		return json.RawMessage("null")
	}
	if p.Object != nil {
		b, _ := json.Marshal(p.Object)
		return b
	}
	b, _ := json.Marshal(p.Array)
	return b
}

func (p Params) MarshalJSON() ([]byte, error) {
	if p.Object != nil {
		return json.Marshal(p.Object)
	}
	if p.Array != nil {
		return json.Marshal(p.Array)
	}
	return []byte("[]"), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("params: empty")
	}
	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		p.Array = arr
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		p.Object = obj
	default:
		return fmt.Errorf("params: must be array or object")
	}
	return nil
}

// Request is a single JSON-RPC call.
type Request struct {
	JSONRPC Version `json:"jsonrpc"`
	Method  string  `json:"method"`
	Params  *Params `json:"params,omitempty"`
	ID      ID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Well-known JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

func ParseError() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

func InvalidRequest() *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
}

func InvalidParams() *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params"}
}

func InternalError() *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error"}
}

// Response is a single JSON-RPC response. Exactly one of Result or Err is
// ever set; the invariant is enforced by MarshalJSON/UnmarshalJSON rather
// than left to callers to respect.
type Response struct {
	JSONRPC Version
	Result  json.RawMessage
	Err     *Error
	ID      ID
}

// OK builds a successful response.
func OK(id ID, result json.RawMessage) Response {
	return Response{Result: result, ID: id}
}

// Fail builds an error response.
func Fail(id ID, err *Error) Response {
	return Response{Err: err, ID: id}
}

type wireResponse struct {
	JSONRPC Version         `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{ID: r.ID}
	if r.Err != nil {
		w.Error = r.Err
	} else {
		if r.Result == nil {
			w.Result = json.RawMessage("null")
		} else {
			w.Result = r.Result
		}
	}
	return json.Marshal(w)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	hasResult := w.Result != nil
	switch {
	case w.Error != nil && hasResult:
		return fmt.Errorf("response: both result and error specified")
	case w.Error != nil:
		r.Err = w.Error
	case w.Result != nil:
		r.Result = w.Result
	default:
		return fmt.Errorf("response: missing result or error")
	}
	r.ID = w.ID
	return nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
