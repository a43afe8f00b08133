package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxRequestBytes = 4 << 20

// HTTPTransport serves the engine over plain request/response HTTP: one
// JSON-RPC envelope per POST. It also exposes a health probe and a REST
// mirror of the tool list for curl-level inspection.
type HTTPTransport struct {
	engine   *Engine
	registry *Registry
	logger   *slog.Logger
	server   *http.Server
}

func NewHTTPTransport(engine *Engine, registry *Registry, addr string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPTransport{
		engine:   engine,
		registry: registry,
		logger:   logger.With(slog.String("transport", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRPC)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/tools", t.handleTools)

	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// Run serves until the context is cancelled, then drains in-flight
// requests before returning.
func (t *HTTPTransport) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		t.logger.Info("http transport listening", slog.String("addr", t.server.Addr))
		if err := t.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.logger.Info("http transport shutting down")
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errs
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	call := CallContext{Transport: "http", Token: bearerToken(r)}
	response := t.engine.Handle(r.Context(), body, call)
	if response == nil {
		// Notification: acknowledged, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(response); err != nil {
		t.logger.Error("write response", slog.String("err", err.Error()))
	}
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  t.engine.State(),
	})
}

// handleTools mirrors tools/list as a plain REST resource so operators can
// inspect the surface without speaking JSON-RPC.
func (t *HTTPTransport) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, listToolsResult{Tools: t.registry.List()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}
