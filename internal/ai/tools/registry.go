package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func implements one tool.
type Func func(ctx context.Context, params map[string]any) (any, error)

type entry struct {
	def Definition
	fn  Func
}

// Registry is an Executor over registered Funcs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

var (
	_ Executor = (*Registry)(nil)
	_ Catalog  = (*Registry)(nil)
)

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(def Definition, fn Func) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %q: nil func", name)
	}
	def.Name = name
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.mu.Lock()
	r.tools[name] = entry{def: def, fn: fn}
	r.mu.Unlock()
	return nil
}

// Retain drops every tool not named in names. An empty list keeps all tools.
// It returns the names that matched no registered tool.
func (r *Registry) Retain(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(names))
	var unknown []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := r.tools[n]; !ok {
			unknown = append(unknown, n)
			continue
		}
		keep[n] = struct{}{}
	}
	for name := range r.tools {
		if _, ok := keep[name]; !ok {
			delete(r.tools, name)
		}
	}
	return unknown
}

func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute never returns an error: every failure, including a panic in the
// tool, is reported as Result{Success:false}.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (res Result, err error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failed(name, params, fmt.Errorf("%w: %s", ErrUnknownTool, name)), nil
	}
	if err := ctx.Err(); err != nil {
		return Failed(name, params, err), nil
	}

	defer func() {
		if p := recover(); p != nil {
			res = Failed(name, params, fmt.Errorf("tool %s panicked: %v", name, p))
			err = nil
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	v, runErr := e.fn(ctx, params)
	if runErr != nil {
		return Failed(name, params, runErr), nil
	}
	return Result{Success: true, Value: v}, nil
}
