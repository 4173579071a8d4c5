package tools

import (
	"context"
	"errors"
	"strings"
)

// Invocation carries the minimum context required for error classification.
type Invocation struct {
	ToolName string
	Args     map[string]any
}

// ErrInvalidArguments marks argument validation failures.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrUnknownTool is returned for names missing from the registry.
var ErrUnknownTool = errors.New("tool not found")

func ClassifyError(inv Invocation, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) && te != nil {
		out := *te
		out.Normalize()
		return &out
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{Code: ErrorCodeUnknown, Message: msg}
	switch {
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope."}
	case errors.Is(err, ErrInvalidArguments), strings.Contains(lower, "invalid argument"):
		out.Code = ErrorCodeInvalidArguments
		out.Retryable = true
		out.SuggestedFixes = []string{"Check the arguments against the tool schema."}
	case errors.Is(err, ErrUnknownTool), strings.Contains(lower, "not found"):
		out.Code = ErrorCodeNotFound
		if name := strings.TrimSpace(inv.ToolName); name != "" && errors.Is(err, ErrUnknownTool) {
			out.SuggestedFixes = []string{"Use one of the tools offered in this turn instead of " + name + "."}
		}
	}
	out.Normalize()
	return out
}
