// Package jsonrpc defines the wire envelope and canonical error codes
// used by the fabric's JSON-RPC surface. Delivery outcomes are
// represented as the sum type Error rather than a language-level
// exception hierarchy, so that boundary code can translate to and
// from the wire envelope without resorting to type assertions.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version the fabric speaks.
const Version = "2.0"

// Request is an inbound JSON-RPC request. ID may be a string or
// number on the wire; it is kept as a json.RawMessage so the server
// can echo it back unmodified. Both "parameters" and "params" are
// accepted on the server side.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rawRequest supports the server-side "parameters" alias for "params".
type rawRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id,omitempty"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// UnmarshalJSON accepts either "params" or "parameters" as the
// parameter field name.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.JSONRPC = raw.JSONRPC
	r.ID = raw.ID
	r.Method = raw.Method
	if len(raw.Params) > 0 {
		r.Params = raw.Params
	} else {
		r.Params = raw.Parameters
	}
	return nil
}

// Response is an outbound JSON-RPC response. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the sum-type representation of a JSON-RPC error: a numeric
// Code for the wire, and a string Kind for programmatic matching
// without needing a type assertion on a concrete error type.
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"-"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// Is supports errors.Is against a Kind-only sentinel Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Canonical error codes for the fabric's JSON-RPC surface.
const (
	CodeJSONParse                        = -1000
	CodeInvalidRequest                   = -1001
	CodeMethodNotFound                   = -1002
	CodeInvalidParams                    = -1003
	CodeInternal                         = -1004
	CodeTaskNotFound                     = -1005
	CodeTaskNotCancelable                = -1006
	CodePushNotificationNotSupported     = -1007
	CodeUnsupportedOperation             = -1008
	CodeContentTypeNotSupported          = -1009
	CodeInvalidAgentResponse             = -1010
	CodeAuthenticatedExtendedCardMissing = -1011
	CodeUnauthorized                     = -32001
)

// Sentinel errors, one per normative code, for use with errors.Is.
var (
	ErrJSONParse                        = &Error{Code: CodeJSONParse, Kind: "JSONParse"}
	ErrInvalidRequest                   = &Error{Code: CodeInvalidRequest, Kind: "InvalidRequest"}
	ErrMethodNotFound                   = &Error{Code: CodeMethodNotFound, Kind: "MethodNotFound"}
	ErrInvalidParams                    = &Error{Code: CodeInvalidParams, Kind: "InvalidParams"}
	ErrInternal                         = &Error{Code: CodeInternal, Kind: "Internal"}
	ErrTaskNotFound                     = &Error{Code: CodeTaskNotFound, Kind: "TaskNotFound"}
	ErrTaskNotCancelable                = &Error{Code: CodeTaskNotCancelable, Kind: "TaskNotCancelable"}
	ErrPushNotificationNotSupported     = &Error{Code: CodePushNotificationNotSupported, Kind: "PushNotificationNotSupported"}
	ErrUnsupportedOperation             = &Error{Code: CodeUnsupportedOperation, Kind: "UnsupportedOperation"}
	ErrContentTypeNotSupported          = &Error{Code: CodeContentTypeNotSupported, Kind: "ContentTypeNotSupported"}
	ErrInvalidAgentResponse             = &Error{Code: CodeInvalidAgentResponse, Kind: "InvalidAgentResponse"}
	ErrAuthenticatedExtendedCardMissing = &Error{Code: CodeAuthenticatedExtendedCardMissing, Kind: "AuthenticatedExtendedCardNotConfigured"}
	ErrUnauthorized                     = &Error{Code: CodeUnauthorized, Kind: "Unauthorized"}
)

// Newf builds an Error of the given sentinel kind with a formatted message.
func Newf(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Code:    sentinel.Code,
		Kind:    sentinel.Kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Result builds a successful Response echoing the request id.
func Result(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// Fail builds a failure Response echoing the request id.
func Fail(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}
