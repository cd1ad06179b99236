package protocol

import "fmt"

// ErrorCode is the canonical error taxonomy shared by the codec, registry,
// watchdog, and both connection roles.
type ErrorCode string

// Resource class, non-retryable.
const (
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeOOM         ErrorCode = "OOM"
	CodeOutputLimit ErrorCode = "OUTPUT_LIMIT"
)

// Protocol class, non-retryable.
const (
	CodeLanguageNotSupported ErrorCode = "LANGUAGE_NOT_SUPPORTED"
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeUnknownExecution     ErrorCode = "UNKNOWN_EXECUTION"
)

// Infrastructure class, retryable.
const (
	CodeSandboxOverloaded ErrorCode = "SANDBOX_OVERLOADED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
)

// Retryable reports whether the initiator may retry the operation that
// produced this code. Only the infrastructure class is retryable.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeSandboxOverloaded, CodeInternalError, CodeNetworkError:
		return true
	}
	return false
}

// Error is a protocol-level error carried by error envelopes.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// NewError builds an Error with the retryable flag derived from the code's class.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable()}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeError describes why an incoming byte sequence could not be decoded
// into a valid envelope. Decode failures are connection-level: they are never
// attributed to an execution, even when the message would have carried an id.
type DecodeError struct {
	Reason string
	// VersionMismatch is set when the envelope declared an unsupported
	// protocol version. The session closes the connection in that case
	// instead of continuing to read traffic it cannot interpret.
	VersionMismatch bool
}

func (e *DecodeError) Error() string {
	return "decode envelope: " + e.Reason
}

// AsProtocolError converts the decode failure into the error payload reported
// to the peer.
func (e *DecodeError) AsProtocolError() *Error {
	return NewError(CodeInvalidRequest, e.Reason)
}
