// Package jsonrpc implements the JSON-RPC 2.0 envelope the gateway speaks on
// both transports. Params and results stay as raw JSON so routed requests are
// forwarded to downstream servers byte-for-byte.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Reserved JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outgoing JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes and validates an envelope. On failure it returns a response
// ready to send back to the client: -32700 when the bytes are not JSON,
// -32600 when the envelope is not a valid JSON-RPC 2.0 request. The -32600
// response echoes the request id when one was decodable.
func Parse(data []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(nil, CodeParseError, "Parse error", err.Error())
	}
	if rpcErr := Validate(&req); rpcErr != nil {
		return nil, &Response{JSONRPC: Version, ID: req.ID, Error: rpcErr}
	}
	return &req, nil
}

// Validate checks the envelope invariants: jsonrpc must be exactly "2.0" and
// method must be present.
func Validate(req *Request) *Error {
	if req.JSONRPC != Version {
		return &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be \"2.0\""}
	}
	if req.Method == "" {
		return &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "method is required"}
	}
	return nil
}

// NewResult builds a success response, marshaling result. A marshal failure
// degrades to an internal error response rather than an invalid envelope.
func NewResult(id any, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternalError, "Internal error", err.Error())
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}
}

// NewRawResult builds a success response from pre-encoded JSON.
func NewRawResult(id any, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id any, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// Errorf builds an error response with a formatted message.
func Errorf(id any, code int, format string, args ...any) *Response {
	return NewError(id, code, fmt.Sprintf(format, args...), nil)
}
