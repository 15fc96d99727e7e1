// Package protocol implements the JSON-RPC 2.0 dialect spoken between agent
// roles: request/response framing, the application error code range, agent
// card types, and the canonical JSON hashing used for task idempotency.
package protocol

import (
	"encoding/json"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// Version is the JSON-RPC protocol version string required on every message.
const Version = "2.0"

// Method names recognised by the protocol endpoint. Anything else yields
// CodeMethodNotFound.
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksPushSet     = "tasks/pushNotificationConfig/set"
	MethodTasksPushGet     = "tasks/pushNotificationConfig/get"
	MethodTasksResubscribe = "tasks/resubscribe"
)

// Standard JSON-RPC 2.0 error codes plus the reserved application range.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeTaskNotFound = -32001
	CodeTaskTerminal = -32003
	CodeUnsupported  = -32004
)

// Request is a single JSON-RPC 2.0 request object. ID may be a string or a
// number; it is kept raw and echoed back verbatim.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Valid reports whether the request satisfies the JSON-RPC 2.0 framing rules:
// correct version, a non-empty method, and a present id.
func (r *Request) Valid() bool {
	return r.JSONRPC == Version && r.Method != "" && len(r.ID) > 0
}

// Response is a single JSON-RPC 2.0 response object. Exactly one of Result
// and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so an *Error can travel through
// client-side call chains.
func (e *Error) Error() string { return e.Message }

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, code int, message string) *Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id}
}

// CodeFor maps a fault kind to the JSON-RPC error code it propagates as.
// KindUnauthorized has no code: it is rejected with HTTP 401 before the
// JSON-RPC layer is reached.
func CodeFor(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidRequest:
		return CodeInvalidRequest
	case fault.KindInvalidParams:
		return CodeInvalidParams
	case fault.KindSkillUnknown:
		return CodeMethodNotFound
	case fault.KindTaskNotFound:
		return CodeTaskNotFound
	case fault.KindTaskTerminal:
		return CodeTaskTerminal
	case fault.KindUnsupported:
		return CodeUnsupported
	default:
		return CodeInternal
	}
}
