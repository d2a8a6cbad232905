package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies how an Error must be delivered to the caller.
type Kind int

const (
	// KindProtocol errors are returned to the client as-is in a JSON body.
	KindProtocol Kind = iota

	// KindRedirect errors must be delivered by redirecting to the client's
	// verified redirect URI and are never rendered locally.
	KindRedirect

	// KindFatal errors cannot be redirected because the redirect target is
	// unverified; they are rendered on a local error page only.
	KindFatal

	// KindReplay signals that a one-time-use grant was presented twice.
	// On the wire it is indistinguishable from invalid_grant.
	KindReplay
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindRedirect:
		return "redirect"
	case KindFatal:
		return "fatal"
	case KindReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Error is an expected protocol violation. Validators return it instead of
// panicking or wrapping it in a fault; callers inspect it with errors.As.
type Error struct {
	Code        string // RFC-defined error code
	Description string // Human-readable, terse description (may be empty)
	Kind        Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status the hosting layer should use for a JSON
// error response.
func (e *Error) Status() int {
	switch e.Code {
	case ErrorInvalidClient:
		return http.StatusUnauthorized
	case ErrorServerError:
		return http.StatusInternalServerError
	case ErrorTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// WireCode returns the code placed on the wire. Replay is reported as
// invalid_grant so the caller cannot tell it apart from an unknown grant.
func (e *Error) WireCode() string {
	if e.Kind == KindReplay {
		return ErrorInvalidGrant
	}
	return e.Code
}

// NewError creates a protocol error with KindProtocol.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description, Kind: KindProtocol}
}

// NewRedirectError creates an error that must be delivered via redirect.
func NewRedirectError(code, description string) *Error {
	return &Error{Code: code, Description: description, Kind: KindRedirect}
}

// NewFatalError creates an error that must be rendered locally.
func NewFatalError(code, description string) *Error {
	return &Error{Code: code, Description: description, Kind: KindFatal}
}

// NewReplayError creates a replay-detected error.
func NewReplayError(description string) *Error {
	return &Error{Code: ErrorInvalidGrant, Description: description, Kind: KindReplay}
}

// Convenience constructors for the codes used most often.
var (
	ErrInvalidRequest = func(desc string) *Error { return NewError(ErrorInvalidRequest, desc) }
	ErrInvalidGrant   = func(desc string) *Error { return NewError(ErrorInvalidGrant, desc) }
	ErrInvalidScope   = func(desc string) *Error { return NewError(ErrorInvalidScope, desc) }
	ErrUnauthorized   = func(desc string) *Error { return NewError(ErrorUnauthorizedClient, desc) }

	// ErrInvalidClient never carries a description: unknown clients and bad
	// credentials must be indistinguishable on the wire.
	ErrInvalidClient = func() *Error { return NewError(ErrorInvalidClient, "") }
)

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsCode reports whether err is a protocol error with the given wire code.
func IsCode(err error, code string) bool {
	pe, ok := AsError(err)
	return ok && pe.WireCode() == code
}

// ConfigurationError signals server misconfiguration (for example, no signing
// key for a requested algorithm). Its message is for logs only and must never
// be sent to the client.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ErrorResponse is the RFC 6749 JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// ToErrorResponse maps any error to a wire-safe ErrorResponse and HTTP
// status. Non-protocol errors become a bare server_error.
func ToErrorResponse(err error) (ErrorResponse, int) {
	if pe, ok := AsError(err); ok {
		resp := ErrorResponse{Error: pe.WireCode(), ErrorDescription: pe.Description}
		if pe.Code == ErrorInvalidClient || pe.Kind == KindReplay {
			resp.ErrorDescription = ""
		}
		return resp, pe.Status()
	}
	return ErrorResponse{Error: ErrorServerError}, http.StatusInternalServerError
}
