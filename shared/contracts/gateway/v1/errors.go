package v1

import "fmt"

// JSON-RPC 2.0 reserved codes (wire-stable).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application error codes (wire-stable). These form the closed taxonomy every
// handler outcome maps onto; the transport layer converts them to JSON-RPC
// error objects verbatim.
const (
	// CodeUnknownClient: the connection id is not in the session registry.
	// Defensive; registry insertion precedes any message processing.
	CodeUnknownClient = 1001
	// CodeUnknownClientOrNotConnected: the connection has no persisted
	// session, i.e. a session-scoped method was called before session.register.
	CodeUnknownClientOrNotConnected = 1002
	// CodeUnknownModule: no module record matches the registration credentials.
	CodeUnknownModule = 1003
	// CodeModuleAlreadyConnected: a session already exists for this connection
	// or for the same module identity.
	CodeModuleAlreadyConnected = 1004
	// CodeUnknownKey: storage.get on a key with no stored value.
	CodeUnknownKey = 1005
)

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Issue is one structured validation problem surfaced in InvalidParams data.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrUnknownClient builds the UnknownClient error.
func ErrUnknownClient() *Error {
	return &Error{Code: CodeUnknownClient, Message: "unknown client"}
}

// ErrUnknownClientOrNotConnected builds the UnknownClientOrNotConnected error.
func ErrUnknownClientOrNotConnected() *Error {
	return &Error{Code: CodeUnknownClientOrNotConnected, Message: "unknown client or module not connected"}
}

// ErrInvalidParams builds an InvalidParams error carrying validation issues.
func ErrInvalidParams(issues []Issue) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: issues}
}

// ErrUnknownModule builds the UnknownModule error.
func ErrUnknownModule() *Error {
	return &Error{Code: CodeUnknownModule, Message: "unknown module"}
}

// ErrModuleAlreadyConnected builds the ModuleAlreadyConnected error.
func ErrModuleAlreadyConnected() *Error {
	return &Error{Code: CodeModuleAlreadyConnected, Message: "module already connected"}
}

// ErrUnknownKey builds the UnknownKey error.
func ErrUnknownKey(key string) *Error {
	return &Error{Code: CodeUnknownKey, Message: fmt.Sprintf("key %q has no value", key)}
}

// ErrMethodNotFound builds the standard method-not-found error.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", method)}
}

// ErrInternal builds a generic internal error. Msg must not leak internals
// beyond what a module is allowed to see.
func ErrInternal(msg string) *Error {
	if msg == "" {
		msg = "internal error"
	}
	return &Error{Code: CodeInternal, Message: msg}
}
