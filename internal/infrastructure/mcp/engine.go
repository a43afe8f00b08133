package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felixgeelhaar/statekit"
	"github.com/opmcp/opmcp/internal/infrastructure/openproject"
)

// Engine lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateReady         = "ready"
	StateShuttingDown  = "shutting_down"
	StateClosed        = "closed"
)

const (
	eventInitialize = "initialize"
	eventShutdown   = "shutdown"
	eventClose      = "close"
)

// Authenticator is the externally supplied bearer check invoked before
// every tools/call. It returns the caller identity and whether the token
// passes.
type Authenticator interface {
	Authenticate(token string) (identity string, ok bool)
}

// TokenAuthenticator accepts callers presenting the expected token. An
// empty expected token disables the check and every caller is anonymous.
type TokenAuthenticator string

func (t TokenAuthenticator) Authenticate(token string) (string, bool) {
	if t == "" {
		return "anonymous", true
	}
	if token == string(t) {
		return "api-client", true
	}
	return "", false
}

// Engine is the transport-agnostic JSON-RPC 2.0 state machine. Every
// transport feeds it raw messages; it parses, validates, dispatches to the
// registry, and renders exactly one response per id-carrying request.
//
// The engine is tolerant about ordering: requests other than initialize are
// served even before the initialize handshake, matching what lenient MCP
// clients expect. After Close nothing is processed.
type Engine struct {
	registry  *Registry
	auth      Authenticator
	logger    *slog.Logger
	info      ServerInfo
	resources []ResourceDescriptor

	mu  sync.Mutex
	fsm *statekit.Interpreter[struct{}]
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithServerInfo(info ServerInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

func WithAuthenticator(auth Authenticator) EngineOption {
	return func(e *Engine) { e.auth = auth }
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(registry *Registry, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		registry: registry,
		auth:     TokenAuthenticator(""),
		logger:   slog.Default(),
		info:     ServerInfo{Name: "openproject-mcp-server", Version: "dev"},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "protocol-engine"))
	e.resources = []ResourceDescriptor{
		{
			URI:         "openproject://server/info",
			Name:        "Server information",
			Description: "Identity and capabilities of this MCP server",
			MimeType:    "application/json",
		},
	}

	fsm, err := newLifecycle()
	if err != nil {
		return nil, err
	}
	e.fsm = fsm
	return e, nil
}

// newLifecycle builds the uninitialized → ready → shutting_down → closed
// machine. Unknown events for a state are ignored by the interpreter, which
// is exactly the idempotence the notification methods need.
func newLifecycle() (*statekit.Interpreter[struct{}], error) {
	builder := statekit.NewMachine[struct{}]("protocol-engine").
		WithInitial(statekit.StateID(StateUninitialized)).
		WithContext(struct{}{})

	builder.State(StateUninitialized).
		On(eventInitialize).Target(StateReady).
		On(eventShutdown).Target(StateShuttingDown).
		On(eventClose).Target(StateClosed).
		Done()

	builder.State(StateReady).
		On(eventShutdown).Target(StateShuttingDown).
		On(eventClose).Target(StateClosed).
		Done()

	builder.State(StateShuttingDown).
		On(eventClose).Target(StateClosed).
		Done()

	builder.State(StateClosed).
		On(eventClose).Target(StateClosed).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build lifecycle machine: %w", err)
	}
	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()
	return interpreter, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.fsm.State().Value)
}

func (e *Engine) send(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsm.Send(statekit.Event{Type: statekit.EventType(event)})
}

// Shutdown moves the engine to shutting_down: transports should stop
// accepting new work and drain what is in flight.
func (e *Engine) Shutdown() {
	e.send(eventShutdown)
}

// Close terminates the engine from any state. No message is processed
// afterwards. Safe to call multiple times.
func (e *Engine) Close() {
	e.send(eventClose)
}

// Handle processes one raw envelope and returns the serialized response,
// or nil when none is owed (notifications, closed engine).
func (e *Engine) Handle(ctx context.Context, raw []byte, call CallContext) []byte {
	if e.State() == StateClosed {
		return nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return marshalResponse(errorResponse(nullID, codeParseError, "parse error"))
	}

	if msg.JSONRPC != jsonRPCVersion || msg.Method == "" {
		id := nullID
		if msg.hasID() {
			id = msg.ID
		}
		return marshalResponse(errorResponse(id, codeInvalidRequest, "invalid request"))
	}

	response := e.dispatch(ctx, msg, call)
	if response == nil {
		return nil
	}
	return marshalResponse(*response)
}

// dispatch routes a structurally valid envelope. It returns nil for
// notifications. Panics inside method handling become internal errors; the
// wire never sees a stack trace.
func (e *Engine) dispatch(ctx context.Context, msg Message, call CallContext) (response *Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during dispatch",
				slog.String("method", msg.Method), slog.Any("panic", r))
			if msg.hasID() {
				resp := errorResponse(msg.ID, codeInternalError, "internal error")
				response = &resp
			} else {
				response = nil
			}
		}
	}()

	switch {
	case msg.Method == "initialize":
		e.send(eventInitialize)
		return e.resultResponse(msg, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools":     map[string]any{"listChanged": false},
				"resources": map[string]any{},
			},
			ServerInfo:   e.info,
			Instructions: "OpenProject MCP server providing access to project data and work packages",
		})

	case msg.Method == "tools/list":
		return e.resultResponse(msg, listToolsResult{Tools: e.registry.List()})

	case msg.Method == "tools/call":
		return e.handleToolCall(ctx, msg, call)

	case msg.Method == "resources/list":
		return e.resultResponse(msg, listResourcesResult{Resources: e.resources})

	case msg.Method == "initialized", isNotificationMethod(msg.Method):
		// Duplicate delivery is harmless: the lifecycle machine ignores
		// events that do not apply to its current state.
		e.send(eventInitialize)
		if !msg.hasID() {
			return nil
		}
		resp := Message{JSONRPC: jsonRPCVersion, ID: msg.ID, Result: json.RawMessage("null")}
		return &resp

	default:
		if !msg.hasID() {
			return nil
		}
		resp := errorResponse(msg.ID, codeMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method))
		return &resp
	}
}

func (e *Engine) handleToolCall(ctx context.Context, msg Message, call CallContext) *Message {
	if !msg.hasID() {
		// A tools/call notification gets no response; run it anyway so
		// fire-and-forget callers still take effect.
		msg.ID = nil
	}

	identity, ok := e.auth.Authenticate(call.Token)
	if !ok {
		e.logger.Warn("rejected unauthenticated tool call",
			slog.String("transport", call.Transport))
		return e.maybeError(msg, codeUpstreamAuth, "authentication failed")
	}
	call.Identity = identity

	var params callToolParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return e.maybeError(msg, codeInvalidParams, "params must carry tool name and arguments")
		}
	}
	if params.Name == "" {
		return e.maybeError(msg, codeInvalidParams, "tool name is required")
	}

	e.logger.Info("tool call",
		slog.String("tool", params.Name),
		slog.String("identity", identity),
		slog.String("transport", call.Transport))

	result, err := e.registry.Invoke(ctx, params.Name, params.Arguments, call)
	if err != nil {
		code, message := invokeErrorCode(err)
		e.logger.Warn("tool call failed",
			slog.String("tool", params.Name), slog.String("err", err.Error()))
		return e.maybeError(msg, code, message)
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		e.logger.Error("marshal tool result", slog.String("err", err.Error()))
		return e.maybeError(msg, codeInternalError, "internal error")
	}
	return e.resultResponse(msg, CallToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
	})
}

// invokeErrorCode maps a registry failure onto the wire error code space.
// Upstream kinds each get their own code so a missing project is
// distinguishable from a bad backend token or an exhausted retry budget.
func invokeErrorCode(err error) (int, string) {
	var invokeErr *InvokeError
	if !errors.As(err, &invokeErr) {
		return codeInternalError, "internal error"
	}
	switch invokeErr.Kind {
	case InvokeToolNotFound:
		return codeToolNotFound, invokeErr.Error()
	case InvokeValidation:
		return codeInvalidParams, invokeErr.Error()
	case InvokeTimeout:
		return codeTimeout, invokeErr.Error()
	}

	if kind, ok := openproject.KindOf(invokeErr.Err); ok {
		switch kind {
		case openproject.KindValidation:
			return codeInvalidParams, "invalid arguments"
		case openproject.KindAuth:
			return codeUpstreamAuth, "backend authentication failed"
		case openproject.KindNotFound:
			return codeUpstreamNotFound, "not found in backend"
		case openproject.KindProtocol:
			return codeUpstreamProtocol, "backend returned an unexpected response"
		case openproject.KindClosed:
			return codeUpstreamTransient, "backend client is closed"
		}
	}
	return codeUpstreamTransient, "backend request failed"
}

func (e *Engine) resultResponse(msg Message, result any) *Message {
	if !msg.hasID() {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("marshal result", slog.String("err", err.Error()))
		resp := errorResponse(msg.ID, codeInternalError, "internal error")
		return &resp
	}
	resp := Message{JSONRPC: jsonRPCVersion, ID: msg.ID, Result: payload}
	return &resp
}

// maybeError renders an error response, or nothing for notifications.
func (e *Engine) maybeError(msg Message, code int, message string) *Message {
	if !msg.hasID() {
		return nil
	}
	resp := errorResponse(msg.ID, code, message)
	return &resp
}

func errorResponse(id json.RawMessage, code int, message string) Message {
	return Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func marshalResponse(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// A response we built ourselves failed to marshal; nothing
		// structured is left to say.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

func isNotificationMethod(method string) bool {
	return len(method) > len("notifications/") && method[:len("notifications/")] == "notifications/"
}
