package wiring

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opmcp/opmcp/internal/infrastructure/config"
	"github.com/opmcp/opmcp/internal/infrastructure/mcp"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		MaxConnections: 5,
		Timeout:        5 * time.Second,
		ToolTimeout:    5 * time.Second,
		Transport:      config.TransportStdio,
		Addr:           ":0",
	}
}

func buildTestServer(t *testing.T, baseURL string) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := BuildServer(testConfig(baseURL), "test", logger)
	if err != nil {
		t.Fatal(err)
	}
	return server
}

func TestBuildServerWiresToolsEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v3/projects/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/hal+json")
		io.WriteString(w, `{"id":12,"name":"Demo","identifier":"demo"}`)
	}))
	defer backend.Close()

	server := buildTestServer(t, backend.URL)
	defer server.Close()

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_project","arguments":{"project_id":12}}}`
	response := server.Engine().Handle(context.Background(), []byte(raw),
		mcp.CallContext{Transport: "test"})

	var msg struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error != nil {
		t.Fatalf("rpc error: %+v", msg.Error)
	}
	if len(msg.Result.Content) != 1 || !strings.Contains(msg.Result.Content[0].Text, "demo") {
		t.Errorf("content = %+v", msg.Result.Content)
	}
}

func TestBuildServerRegistersThreeTools(t *testing.T) {
	server := buildTestServer(t, "http://op.example.com")
	defer server.Close()

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	response := server.Engine().Handle(context.Background(), []byte(raw),
		mcp.CallContext{Transport: "test"})

	var msg struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(msg.Result.Tools))
	for _, tool := range msg.Result.Tools {
		names = append(names, tool.Name)
	}
	want := []string{"get_project", "get_work_packages", "get_weekly_report"}
	if len(names) != len(want) {
		t.Fatalf("tools = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBuildServerAuthTokenEnforced(t *testing.T) {
	cfg := testConfig("http://op.example.com")
	cfg.AuthToken = "sekrit"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := BuildServer(cfg, "test", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_project","arguments":{"project_id":1}}}`
	response := server.Engine().Handle(context.Background(), []byte(raw),
		mcp.CallContext{Transport: "test", Token: "wrong"})

	var msg struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(response, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error == nil || msg.Error.Code != -32001 {
		t.Fatalf("error = %+v, want auth code", msg.Error)
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	server := buildTestServer(t, "http://op.example.com")
	server.Close()
	server.Close()
}
