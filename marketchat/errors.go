package marketchat

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Connection lifecycle
	ErrorConnection
	ErrorReconnectExhausted
	ErrorAuthRequired
	ErrorNotConnected
	ErrorTimeout
	ErrorClosed

	// Message and history
	ErrorSendTimeout
	ErrorHistoryFetch
	ErrorUnknownConversation

	// Wire
	ErrorProtocol
	ErrorServer
	ErrorSerialization

	ErrorInvalidConfig
	ErrorInvalidArgument
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorConnection:
		return "connection_error"
	case ErrorReconnectExhausted:
		return "reconnect_exhausted"
	case ErrorAuthRequired:
		return "auth_required"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorTimeout:
		return "timeout"
	case ErrorClosed:
		return "closed"
	case ErrorSendTimeout:
		return "send_timeout"
	case ErrorHistoryFetch:
		return "history_fetch_error"
	case ErrorUnknownConversation:
		return "unknown_conversation"
	case ErrorProtocol:
		return "protocol_error"
	case ErrorServer:
		return "server_error"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorInvalidArgument:
		return "invalid_argument"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ChatError is a structured error with code and context.
type ChatError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *ChatError) Unwrap() error {
	return e.Wrapped
}

// Is matches any *ChatError carrying the same code, so sentinels below work
// with errors.Is regardless of message text.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotConnected       = NewError(ErrorNotConnected, "not connected")
	ErrAuthRequired       = NewError(ErrorAuthRequired, "authentication required")
	ErrReconnectExhausted = NewError(ErrorReconnectExhausted, "reconnect attempts exhausted")
	ErrClosed             = NewError(ErrorClosed, "connection closed")
)

// NewError creates a new ChatError with the given code and message.
func NewError(code ErrorCode, message string) *ChatError {
	return &ChatError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a ChatError.
func WrapError(code ErrorCode, message string, err error) *ChatError {
	return &ChatError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// CodeOf returns the code of the first ChatError in err's chain, or ErrorUnknown.
func CodeOf(err error) ErrorCode {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrorUnknown
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	switch CodeOf(err) {
	case ErrorConnection, ErrorNotConnected, ErrorTimeout, ErrorReconnectExhausted:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the operation behind err may succeed if the
// caller tries again without changing its inputs.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrorConnection, ErrorNotConnected, ErrorTimeout, ErrorSendTimeout,
		ErrorHistoryFetch, ErrorReconnectExhausted:
		return true
	default:
		return false
	}
}
