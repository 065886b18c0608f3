// Package apperr provides the error type shared by Mechanic's services and
// its mapping onto HTTP problem responses.
//
// Services wrap failures into *apperr.Error with a Kind; handlers call
// Respond and never inspect driver- or client-specific error types.
//
//	if _, ok := store.Get(sess); !ok {
//	    return apperr.NotAuthenticated()
//	}
package apperr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind categorises an error independently of which upstream produced it.
type Kind int

const (
	KindInternal          Kind = iota
	KindNotAuthenticated       // no admin token bound to the session
	KindNotFound               // bucket, object or alias missing
	KindInvalidInput           // malformed request from the browser
	KindMissingServiceKey      // the Mechanic key could not be obtained
	KindUpstream               // Garage answered with a non-success status
	KindTransport              // Garage could not be reached
)

func (k Kind) String() string {
	switch k {
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindMissingServiceKey:
		return "missing_service_key"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error is the error type returned by Mechanic services.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status for KindUpstream errors.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// NotAuthenticated is returned whenever an operation needs the session's
// admin token and none is bound.
func NotAuthenticated() *Error {
	return New(KindNotAuthenticated, "Not authenticated")
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, fmt.Sprintf(format, args...))
}

// MissingServiceKey reports that the Mechanic key was absent or had no secret.
func MissingServiceKey(msg string) *Error {
	return New(KindMissingServiceKey, msg)
}

// Upstream wraps a non-success answer from Garage.
func Upstream(status int, msg string, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Status: status, Cause: cause}
}

// Transport wraps a failure to reach Garage at all.
func Transport(msg string, cause error) *Error {
	return Wrap(KindTransport, msg, cause)
}

// --- Predicates ---

// KindOf extracts the Kind from any error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err names a missing bucket, key or object.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// HTTPStatus maps err onto the status code returned to the browser.
//
// Upstream 401 and 403 are relayed so the UI can send the operator back to
// the login screen; any other upstream failure is a bad gateway.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotAuthenticated:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUpstream:
		if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
			return e.Status
		}
		return http.StatusBadGateway
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Problem is the RFC 7807 body written by Respond.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// Respond writes err as a problem+json response and aborts the handler chain.
// Causes are logged, never sent to the browser.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)

	detail := http.StatusText(status)
	var e *Error
	if errors.As(err, &e) {
		detail = e.Message
	}

	attrs := []any{
		"status", status,
		"kind", KindOf(err).String(),
		"path", c.Request.URL.Path,
		"request_id", c.GetString("request_id"),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", attrs...)
	} else {
		slog.Debug("request rejected", attrs...)
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}
