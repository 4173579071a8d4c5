// Package errs defines the error taxonomy surfaced by a turn.
//
// Callers classify with errors.As / errors.Is; HTTPStatus maps any error in
// the taxonomy to a response code.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationBusy is returned when another turn holds the conversation lease.
	ErrConversationBusy = errors.New("conversation busy")
)

// ValidationError reports malformed input. It is raised before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	if strings.TrimSpace(e.Field) == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func Invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RateLimitError reports an admission rejection.
type RateLimitError struct {
	ClientID   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "rate limited"
	}
	msg := fmt.Sprintf("rate limit exceeded for client %q", e.ClientID)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UpstreamError reports a model call that failed permanently or exhausted retries.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Attempts   int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	var b strings.Builder
	b.WriteString("upstream ")
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(" ")
	}
	b.WriteString("failed")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConversationError wraps a relational store failure.
type ConversationError struct {
	Op  string
	Err error
}

func (e *ConversationError) Error() string {
	if e == nil {
		return "conversation store error"
	}
	return fmt.Sprintf("conversation store %s: %v", e.Op, e.Err)
}

func (e *ConversationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProcessingError is the catch-all returned by a failed turn. Stage names the
// turn state that failed; the cause is preserved.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return "processing error"
	}
	if e.Stage == "" {
		return fmt.Sprintf("turn failed: %v", e.Err)
	}
	return fmt.Sprintf("turn failed in %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	var (
		ve *ValidationError
		re *RateLimitError
		ue *UpstreamError
		ce *ConversationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &re):
		return "rate_limited"
	case errors.Is(err, ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, ErrConversationBusy):
		return "conversation_busy"
	case errors.As(err, &ue):
		return "upstream_error"
	case errors.As(err, &ce):
		return "storage_error"
	default:
		return "processing_error"
	}
}

// HTTPStatus maps err to a response code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "validation_error":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "conversation_not_found":
		return http.StatusNotFound
	case "conversation_busy":
		return http.StatusConflict
	case "upstream_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
