package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/floegence/turnengine/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := RegisterBuiltins(r, clk); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestRegistry_EchoReturnsArguments(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res, err := r.Execute(context.Background(), ToolEcho, map[string]any{"x": float64(1)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("res=%+v", res)
	}
	b, _ := json.Marshal(res)
	if string(b) != `{"success":true,"value":{"x":1}}` {
		t.Fatalf("json=%s", b)
	}
}

func TestRegistry_CurrentTime(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res, _ := r.Execute(context.Background(), ToolCurrentTime, map[string]any{"timezone": "Asia/Tokyo"})
	if !res.Success {
		t.Fatalf("res=%+v", res)
	}
	v := res.Value.(map[string]any)
	if v["time"] != "2026-03-01T21:00:00+09:00" {
		t.Fatalf("time=%v", v["time"])
	}

	res, _ = r.Execute(context.Background(), ToolCurrentTime, map[string]any{"timezone": "Mars/Olympus"})
	if res.Success || res.Error == nil || res.Error.Code != ErrorCodeInvalidArguments {
		t.Fatalf("res=%+v", res)
	}
	res, _ = r.Execute(context.Background(), ToolCurrentTime, map[string]any{"timezone": 5})
	if res.Success || res.Error.Code != ErrorCodeInvalidArguments {
		t.Fatalf("res=%+v", res)
	}
}

func TestRegistry_UnknownToolIsFailedResult(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res, err := r.Execute(context.Background(), "drop_tables", nil)
	if err != nil {
		t.Fatalf("Execute err=%v", err)
	}
	if res.Success || res.Error == nil || res.Error.Code != ErrorCodeNotFound {
		t.Fatalf("res=%+v", res)
	}
}

func TestRegistry_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(Definition{Name: "boom"}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	res, err := r.Execute(context.Background(), "boom", nil)
	if err != nil || res.Success || res.Error == nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRegistry_CanceledContext(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, _ := r.Execute(ctx, ToolEcho, nil)
	if res.Success || res.Error.Code != ErrorCodeCanceled {
		t.Fatalf("res=%+v", res)
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	t.Parallel()

	defs := newTestRegistry(t).Definitions()
	if len(defs) != 2 || defs[0].Name != ToolCurrentTime || defs[1].Name != ToolEcho {
		t.Fatalf("defs=%+v", defs)
	}
	if err := NewRegistry().Register(Definition{Name: " "}, echo); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code ErrorCode
	}{
		{context.DeadlineExceeded, ErrorCodeTimeout},
		{errors.New("upstream timed out"), ErrorCodeTimeout},
		{fmt.Errorf("wrap: %w", context.Canceled), ErrorCodeCanceled},
		{fmt.Errorf("%w: x", ErrInvalidArguments), ErrorCodeInvalidArguments},
		{errors.New("file not found"), ErrorCodeNotFound},
		{errors.New("disk on fire"), ErrorCodeUnknown},
		{&ToolError{Code: ErrorCodeTimeout, Message: " slow "}, ErrorCodeTimeout},
	}
	for _, tc := range cases {
		got := ClassifyError(Invocation{ToolName: "t"}, tc.err)
		if got == nil || got.Code != tc.code {
			t.Fatalf("ClassifyError(%v)=%+v, want %s", tc.err, got, tc.code)
		}
		if got.Message == "" {
			t.Fatalf("empty message for %v", tc.err)
		}
	}
	if ClassifyError(Invocation{}, nil) != nil {
		t.Fatalf("nil error should classify to nil")
	}
}

func TestRegistry_Retain(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	unknown := r.Retain([]string{ToolCurrentTime, "shell"})
	if len(unknown) != 1 || unknown[0] != "shell" {
		t.Fatalf("unknown=%v", unknown)
	}
	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != ToolCurrentTime {
		t.Fatalf("defs=%+v", defs)
	}
	res, _ := r.Execute(context.Background(), ToolEcho, nil)
	if res.Success || res.Error == nil || res.Error.Code != ErrorCodeNotFound {
		t.Fatalf("echo after retain: %+v", res)
	}

	if got := newTestRegistry(t).Retain(nil); got != nil {
		t.Fatalf("Retain(nil)=%v", got)
	}
}
