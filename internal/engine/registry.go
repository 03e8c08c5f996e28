package engine

import (
	"context"

	"automation-engine/internal/models"
)

// ActionContext is what an action implementation sees: the execution it
// runs inside and the action definition with its parameters. Actions never
// see engine internals.
type ActionContext struct {
	Tenant    string
	Execution models.Execution
	Action    models.Action
}

// ActionFunc executes one action kind. Slow or external effects should
// enqueue a job instead of blocking; either way the function must be safe
// to re-execute, since delivery is at-least-once.
type ActionFunc func(ctx context.Context, ac ActionContext) error

// Registry maps action kinds to their implementations. The host
// application populates it at startup; the engine only orchestrates.
type Registry struct {
	funcs map[string]ActionFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]ActionFunc)}
}

// Register binds an action kind. Later registrations win, which lets tests
// stub a kind.
func (r *Registry) Register(kind string, fn ActionFunc) {
	if kind == "" || fn == nil {
		return
	}
	r.funcs[kind] = fn
}

// Dispatch runs the action for its kind. An unknown kind is a permanent
// error: retrying cannot teach the host a new action.
func (r *Registry) Dispatch(ctx context.Context, ac ActionContext) error {
	fn, ok := r.funcs[ac.Action.Kind]
	if !ok {
		return models.Permanentf("unknown action kind %q", ac.Action.Kind)
	}
	return fn(ctx, ac)
}
