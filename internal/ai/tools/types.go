// Package tools holds the tool executor contract used by the turn engine,
// a name-keyed registry of tools and a couple of builtin tools.
package tools

import (
	"context"
	"strings"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
	if len(e.SuggestedFixes) == 0 {
		e.SuggestedFixes = nil
	}
}

// Result is what an executor reports for one invocation. It is persisted
// as the tool call's result JSON.
type Result struct {
	Success bool       `json:"success"`
	Value   any        `json:"value,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

// Failed builds an unsuccessful Result from err.
func Failed(name string, params map[string]any, err error) Result {
	return Result{Success: false, Error: ClassifyError(Invocation{ToolName: name, Args: params}, err)}
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Executor runs tools on behalf of the turn engine.
//
// Implementations should report tool-level failures as Result{Success:false}.
// A returned error is treated the same way by the coordinator.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any) (Result, error)
}

// Catalog lists the tools an Executor offers.
type Catalog interface {
	Definitions() []Definition
}
