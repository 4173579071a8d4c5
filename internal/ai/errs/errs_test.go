package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestHTTPStatus_Taxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Invalid("content", "must not be empty"), http.StatusBadRequest},
		{&RateLimitError{ClientID: "c"}, http.StatusTooManyRequests},
		{fmt.Errorf("load: %w", ErrConversationNotFound), http.StatusNotFound},
		{ErrConversationBusy, http.StatusConflict},
		{&ProcessingError{Stage: "CALLING_MODEL", Err: &UpstreamError{StatusCode: 503}}, http.StatusBadGateway},
		{&ConversationError{Op: "append", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v)=%d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestProcessingError_PreservesCause(t *testing.T) {
	t.Parallel()

	cause := &UpstreamError{Provider: "openai", StatusCode: 400, Attempts: 1, Message: "bad model"}
	err := &ProcessingError{Stage: "CALLING_MODEL", Err: cause}

	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 400 {
		t.Fatalf("errors.As UpstreamError failed: %v", err)
	}
	if !strings.Contains(err.Error(), "CALLING_MODEL") || !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("Error()=%q", err.Error())
	}
}

func TestRateLimitError_Message(t *testing.T) {
	t.Parallel()

	err := &RateLimitError{ClientID: "alice", RetryAfter: 1500 * time.Millisecond}
	if got := err.Error(); !strings.Contains(got, "alice") || !strings.Contains(got, "1.5s") {
		t.Fatalf("Error()=%q", got)
	}
}
