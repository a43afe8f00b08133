package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"
	"github.com/xeipuuv/gojsonschema"
)

// CallContext carries per-invocation metadata from the transport to the
// tool handler: who is calling and over which transport.
type CallContext struct {
	Identity  string
	Token     string
	Transport string
}

// Handler executes one tool call. The context carries the per-tool timeout
// budget; handlers that hit the backend must pass it through so an expiring
// budget cancels the in-flight request instead of leaking it.
type Handler func(ctx context.Context, args map[string]any, call CallContext) (any, error)

// InvokeErrorKind classifies registry invocation failures.
type InvokeErrorKind int

const (
	// InvokeToolNotFound means no tool is registered under the name.
	InvokeToolNotFound InvokeErrorKind = iota
	// InvokeValidation means the arguments failed schema validation.
	InvokeValidation
	// InvokeTimeout means the per-tool budget elapsed.
	InvokeTimeout
	// InvokeUpstream wraps a failure from the backend client.
	InvokeUpstream
)

// InvokeError is the error type surfaced by Registry.Invoke.
type InvokeError struct {
	Kind InvokeErrorKind
	Tool string
	Err  error
}

func (e *InvokeError) Error() string {
	switch e.Kind {
	case InvokeToolNotFound:
		return fmt.Sprintf("unknown tool %q", e.Tool)
	case InvokeValidation:
		return fmt.Sprintf("invalid arguments for %q: %v", e.Tool, e.Err)
	case InvokeTimeout:
		return fmt.Sprintf("tool %q timed out", e.Tool)
	default:
		return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
	}
}

func (e *InvokeError) Unwrap() error { return e.Err }

type registration struct {
	descriptor ToolDescriptor
	handler    Handler
	schema     *gojsonschema.Schema
	timeout    time.Duration
}

// Registry is the central enumeration of invocable tools. It is assembled
// once at startup; Invoke and List take no locks and are safe for
// concurrent readers, while Register after startup must be externally
// synchronized.
type Registry struct {
	logger         *slog.Logger
	defaultTimeout time.Duration

	order []string
	tools map[string]*registration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultTimeout sets the invocation budget applied to every tool that
// does not override it. Zero disables the budget.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.defaultTimeout = d }
}

func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger.With(slog.String("component", "tool-registry")),
		tools:  make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOption configures one registration.
type RegisterOption func(*registration)

// WithToolTimeout overrides the registry default budget for one tool.
func WithToolTimeout(d time.Duration) RegisterOption {
	return func(reg *registration) { reg.timeout = d }
}

// Register adds a tool. Re-registering a name replaces the prior handler,
// which supports hot reload, but the replacement is always logged.
func (r *Registry) Register(desc ToolDescriptor, handler Handler, opts ...RegisterOption) error {
	if desc.Name == "" {
		return fmt.Errorf("register: tool name is empty")
	}
	if handler == nil {
		return fmt.Errorf("register %q: handler is nil", desc.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.InputSchema))
	if err != nil {
		return fmt.Errorf("register %q: compile input schema: %w", desc.Name, err)
	}

	reg := &registration{
		descriptor: desc,
		handler:    handler,
		schema:     schema,
		timeout:    r.defaultTimeout,
	}
	for _, opt := range opts {
		opt(reg)
	}

	if _, exists := r.tools[desc.Name]; exists {
		r.logger.Warn("replacing registered tool", slog.String("tool", desc.Name))
	} else {
		r.order = append(r.order, desc.Name)
	}
	r.tools[desc.Name] = reg
	return nil
}

// List returns the descriptors in registration order. tools/list serves
// this verbatim, so it can never drift from what Invoke accepts.
func (r *Registry) List() []ToolDescriptor {
	descriptors := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		descriptors = append(descriptors, r.tools[name].descriptor)
	}
	return descriptors
}

// Invoke validates the arguments against the tool's declared schema and
// runs the handler under its timeout budget.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, call CallContext) (any, error) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, &InvokeError{Kind: InvokeToolNotFound, Tool: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	validation, err := reg.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, &InvokeError{Kind: InvokeValidation, Tool: name, Err: err}
	}
	if !validation.Valid() {
		return nil, &InvokeError{Kind: InvokeValidation, Tool: name,
			Err: errors.New(formatSchemaErrors(validation))}
	}

	run := func(ctx context.Context) (any, error) {
		return reg.handler(ctx, args, call)
	}

	var result any
	started := time.Now()
	if reg.timeout > 0 {
		t := timeout.New[any](timeout.Config{DefaultTimeout: reg.timeout})
		result, err = t.Execute(ctx, reg.timeout, run)
	} else {
		result, err = run(ctx)
	}
	if err != nil {
		var invokeErr *InvokeError
		if errors.As(err, &invokeErr) {
			return nil, invokeErr
		}
		budgetSpent := reg.timeout > 0 && time.Since(started) >= reg.timeout
		if errors.Is(err, context.DeadlineExceeded) || budgetSpent {
			return nil, &InvokeError{Kind: InvokeTimeout, Tool: name, Err: err}
		}
		return nil, &InvokeError{Kind: InvokeUpstream, Tool: name, Err: err}
	}
	return result, nil
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	return strings.Join(parts, "; ")
}
