package maestro

import (
	"context"
	"fmt"
)

// StepHandler is an external action a task step runs. Handlers are the
// boundary to LLM calls, tools, and other services outside the core.
type StepHandler interface {

	// Name returns the name of the handler
	Name() string

	// Execute runs the handler with the given parameters.
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to the StepHandler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (any, error)
}

// NewHandlerFunc creates a new HandlerFunc
func NewHandlerFunc(name string, fn func(ctx context.Context, params map[string]any) (any, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string {
	return h.name
}

func (h *HandlerFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return h.fn(ctx, params)
}

// HandlerRegistry is an explicitly constructed set of handlers, passed into
// the state machine at construction time. There is no process-global
// registry.
type HandlerRegistry struct {
	handlers map[string]StepHandler
}

// NewHandlerRegistry builds a registry from the given handlers.
func NewHandlerRegistry(handlers ...StepHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]StepHandler, len(handlers))}
	for _, handler := range handlers {
		r.handlers[handler.Name()] = handler
	}
	return r
}

// Register adds a handler, replacing any prior handler of the same name.
func (r *HandlerRegistry) Register(handler StepHandler) {
	r.handlers[handler.Name()] = handler
}

// Get returns a handler by name.
func (r *HandlerRegistry) Get(name string) (StepHandler, bool) {
	handler, ok := r.handlers[name]
	return handler, ok
}

// Resolve returns a handler by name or an error naming the step.
func (r *HandlerRegistry) Resolve(step *Step) (StepHandler, error) {
	handler, ok := r.handlers[step.Handler]
	if !ok {
		return nil, fmt.Errorf("handler %q for step %q not registered", step.Handler, step.Name)
	}
	return handler, nil
}
