package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/opmcp/opmcp/internal/domain"
	"github.com/opmcp/opmcp/internal/infrastructure/openproject"
)

type fakeBackend struct {
	projectErr      error
	workPackagesErr error
	reportErr       error

	calls int

	lastFilters []map[string]any
}

func (f *fakeBackend) GetProject(_ context.Context, projectID int) (*domain.Project, error) {
	f.calls++
	if f.projectErr != nil {
		return nil, f.projectErr
	}
	return &domain.Project{ID: projectID, Name: "Demo", Identifier: "demo"}, nil
}

func (f *fakeBackend) GetWorkPackages(_ context.Context, projectID int, filters []map[string]any) ([]domain.WorkPackage, error) {
	f.calls++
	f.lastFilters = filters
	if f.workPackagesErr != nil {
		return nil, f.workPackagesErr
	}
	id := 7
	return []domain.WorkPackage{{ID: &id, Subject: "Fix login"}}, nil
}

func (f *fakeBackend) GetWeeklyReport(_ context.Context, projectID int, week string) (*domain.WeeklyReport, error) {
	f.calls++
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	project := domain.Project{ID: projectID, Name: "Demo", Identifier: "demo"}
	report := domain.NewWeeklyReport(project, nil, week)
	return &report, nil
}

func newTestEngine(t *testing.T, backend Backend, opts ...EngineOption) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)
	if backend != nil {
		if err := RegisterOpenProjectTools(registry, backend); err != nil {
			t.Fatalf("register tools: %v", err)
		}
	}
	opts = append(opts, WithEngineLogger(logger))
	engine, err := NewEngine(registry, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func handleJSON(t *testing.T, engine *Engine, raw string) Message {
	t.Helper()
	response := engine.Handle(context.Background(), []byte(raw), CallContext{Transport: "test"})
	if response == nil {
		t.Fatalf("expected a response for %s", raw)
	}
	var msg Message
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return msg
}

func callTool(t *testing.T, engine *Engine, tool string, args string) Message {
	t.Helper()
	raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, tool, args)
	return handleJSON(t, engine, raw)
}

func TestEngineParseError(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := handleJSON(t, engine, `{"jsonrpc":"2.0","id":1,`)
	if msg.Error == nil || msg.Error.Code != codeParseError {
		t.Fatalf("error = %+v, want parse error", msg.Error)
	}
	if string(msg.ID) != "null" {
		t.Errorf("id = %s, want null", msg.ID)
	}
}

func TestEngineInvalidRequest(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	tests := []struct {
		name string
		raw  string
	}{
		{"missing version", `{"id":3,"method":"tools/list"}`},
		{"wrong version", `{"jsonrpc":"1.0","id":3,"method":"tools/list"}`},
		{"missing method", `{"jsonrpc":"2.0","id":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := handleJSON(t, engine, tt.raw)
			if msg.Error == nil || msg.Error.Code != codeInvalidRequest {
				t.Fatalf("error = %+v, want invalid request", msg.Error)
			}
		})
	}
}

func TestEngineInvalidRequestKeepsDecodableID(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := handleJSON(t, engine, `{"id":42,"method":"tools/list"}`)
	if string(msg.ID) != "42" {
		t.Errorf("id = %s, want 42", msg.ID)
	}
}

func TestEngineMethodNotFound(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := handleJSON(t, engine, `{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`)
	if msg.Error == nil || msg.Error.Code != codeMethodNotFound {
		t.Fatalf("error = %+v, want method not found", msg.Error)
	}
}

func TestEngineInitialize(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{},
		WithServerInfo(ServerInfo{Name: "opmcp", Version: "1.2.3"}))

	msg := handleJSON(t, engine, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if msg.Error != nil {
		t.Fatalf("initialize failed: %+v", msg.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "opmcp" || result.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if engine.State() != StateReady {
		t.Errorf("state = %q, want ready", engine.State())
	}
}

func TestEngineToolsListBeforeInitialize(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := handleJSON(t, engine, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if msg.Error != nil {
		t.Fatalf("tools/list before initialize failed: %+v", msg.Error)
	}
	var result listToolsResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	want := []string{"get_project", "get_work_packages", "get_weekly_report"}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestEngineInitializedNotificationIdempotent(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	for range 3 {
		resp := engine.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","method":"initialized"}`), CallContext{})
		if resp != nil {
			t.Fatalf("notification produced a response: %s", resp)
		}
	}
	if engine.State() != StateReady {
		t.Errorf("state = %q, want ready", engine.State())
	}
}

func TestEngineNotificationsPrefixProducesNoResponse(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	resp := engine.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled"}`), CallContext{})
	if resp != nil {
		t.Fatalf("notification produced a response: %s", resp)
	}
}

func TestEngineResourcesList(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := handleJSON(t, engine, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
	if msg.Error != nil {
		t.Fatalf("resources/list failed: %+v", msg.Error)
	}
	var result listResourcesResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Resources) == 0 {
		t.Error("expected at least one resource")
	}
}

func TestEngineToolCallSuccess(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := callTool(t, engine, "get_project", `{"project_id":12}`)
	if msg.Error != nil {
		t.Fatalf("tool call failed: %+v", msg.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}
	if !strings.Contains(result.Content[0].Text, `"identifier": "demo"`) {
		t.Errorf("text = %s", result.Content[0].Text)
	}
}

func TestEngineValidationNeverReachesBackend(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(t, backend)

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"missing project_id", "get_project", `{}`},
		{"zero project_id", "get_project", `{"project_id":0}`},
		{"negative project_id", "get_project", `{"project_id":-3}`},
		{"string project_id", "get_project", `{"project_id":"12"}`},
		{"bad week format", "get_weekly_report", `{"project_id":1,"week":"2019-W05"}`},
		{"week out of range", "get_weekly_report", `{"project_id":1,"week":"2025-W54"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := callTool(t, engine, tt.tool, tt.args)
			if msg.Error == nil || msg.Error.Code != codeInvalidParams {
				t.Fatalf("error = %+v, want invalid params", msg.Error)
			}
		})
	}
	if backend.calls != 0 {
		t.Errorf("backend saw %d calls, want 0", backend.calls)
	}
}

func TestEngineUnknownToolCode(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := callTool(t, engine, "delete_everything", `{}`)
	if msg.Error == nil || msg.Error.Code != codeToolNotFound {
		t.Fatalf("error = %+v, want tool not found", msg.Error)
	}
}

func TestEngineUpstreamErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found", &openproject.Error{Kind: openproject.KindNotFound, Op: "get project"}, codeUpstreamNotFound},
		{"auth", &openproject.Error{Kind: openproject.KindAuth, Op: "get project"}, codeUpstreamAuth},
		{"transient", &openproject.Error{Kind: openproject.KindTransient, Op: "get project"}, codeUpstreamTransient},
		{"protocol", &openproject.Error{Kind: openproject.KindProtocol, Op: "get project"}, codeUpstreamProtocol},
		{"validation", &openproject.Error{Kind: openproject.KindValidation, Op: "get weekly report"}, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, &fakeBackend{projectErr: tt.err})
			msg := callTool(t, engine, "get_project", `{"project_id":99}`)
			if msg.Error == nil || msg.Error.Code != tt.wantCode {
				t.Fatalf("error = %+v, want code %d", msg.Error, tt.wantCode)
			}
		})
	}
}

func TestEngineAuthenticatorRejectsBadToken(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(t, backend, WithAuthenticator(TokenAuthenticator("secret")))

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_project","arguments":{"project_id":1}}}`
	response := engine.Handle(context.Background(), []byte(raw), CallContext{Token: "wrong"})
	var msg Message
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != codeUpstreamAuth {
		t.Fatalf("error = %+v, want auth failure", msg.Error)
	}
	if backend.calls != 0 {
		t.Errorf("backend saw %d calls, want 0", backend.calls)
	}

	response = engine.Handle(context.Background(), []byte(raw), CallContext{Token: "secret"})
	msg = Message{}
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("authorized call failed: %+v", msg.Error)
	}
}

func TestEnginePanicBecomesInternalError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)
	err := registry.Register(ToolDescriptor{
		Name:        "explode",
		Description: "always panics",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, map[string]any, CallContext) (any, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	engine, err := NewEngine(registry, WithEngineLogger(logger))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	msg := callTool(t, engine, "explode", `{}`)
	if msg.Error == nil || msg.Error.Code != codeInternalError {
		t.Fatalf("error = %+v, want internal error", msg.Error)
	}
	if strings.Contains(msg.Error.Message, "boom") {
		t.Error("panic detail leaked to the wire")
	}
}

func TestEngineClosedReturnsNothing(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})
	engine.Close()
	engine.Close()

	resp := engine.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`), CallContext{})
	if resp != nil {
		t.Fatalf("closed engine responded: %s", resp)
	}
	if engine.State() != StateClosed {
		t.Errorf("state = %q, want closed", engine.State())
	}
}

func TestEngineLifecycleTransitions(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})
	if engine.State() != StateUninitialized {
		t.Fatalf("initial state = %q", engine.State())
	}

	handleJSON(t, engine, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if engine.State() != StateReady {
		t.Fatalf("state after initialize = %q", engine.State())
	}

	engine.Shutdown()
	if engine.State() != StateShuttingDown {
		t.Fatalf("state after shutdown = %q", engine.State())
	}

	engine.Close()
	if engine.State() != StateClosed {
		t.Fatalf("state after close = %q", engine.State())
	}
}

func TestEngineWorkPackagesResultShape(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(t, backend)

	msg := callTool(t, engine, "get_work_packages",
		`{"project_id":3,"filters":[{"status_id":{"operator":"o","values":[]}}]}`)
	if msg.Error != nil {
		t.Fatalf("tool call failed: %+v", msg.Error)
	}
	if len(backend.lastFilters) != 1 {
		t.Fatalf("filters forwarded = %v", backend.lastFilters)
	}

	var result CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	var payload struct {
		ProjectID  int `json:"project_id"`
		TotalCount int `json:"total_count"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ProjectID != 3 || payload.TotalCount != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEngineWeeklyReportDefaultsWeek(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{})

	msg := callTool(t, engine, "get_weekly_report", `{"project_id":3}`)
	if msg.Error != nil {
		t.Fatalf("tool call failed: %+v", msg.Error)
	}
	var result CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	var payload struct {
		Week    string `json:"week"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Week != "current" {
		t.Errorf("week = %q, want current", payload.Week)
	}
	if payload.Summary != "Found 0 work packages" {
		t.Errorf("summary = %q", payload.Summary)
	}
}
