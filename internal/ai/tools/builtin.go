package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/floegence/turnengine/internal/clock"
)

const (
	ToolEcho        = "echo"
	ToolCurrentTime = "current_time"
)

// RegisterBuiltins adds echo and current_time.
func RegisterBuiltins(r *Registry, clk clock.Clock) error {
	clk = clock.OrReal(clk)
	if err := r.Register(Definition{
		Name:        ToolEcho,
		Description: "Returns its arguments unchanged.",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
	}, echo); err != nil {
		return err
	}
	return r.Register(Definition{
		Name:        ToolCurrentTime,
		Description: "Returns the current time as RFC3339, optionally in an IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA zone name such as Europe/Paris. Defaults to UTC.",
				},
			},
		},
	}, currentTime(clk))
}

func echo(_ context.Context, params map[string]any) (any, error) {
	return params, nil
}

func currentTime(clk clock.Clock) Func {
	return func(_ context.Context, params map[string]any) (any, error) {
		loc := time.UTC
		if raw, ok := params["timezone"]; ok && raw != nil {
			tz, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("%w: timezone must be a string", ErrInvalidArguments)
			}
			if tz = strings.TrimSpace(tz); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArguments, tz)
				}
				loc = l
			}
		}
		now := clk.Now().In(loc)
		return map[string]any{
			"time":     now.Format(time.RFC3339),
			"timezone": loc.String(),
			"unix_ms":  now.UnixMilli(),
		}, nil
	}
}
