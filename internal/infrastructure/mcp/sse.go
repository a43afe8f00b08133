package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const heartbeatInterval = 30 * time.Second

// sseClient is one connected event stream. Sends are serialized per client
// so heartbeats and responses never interleave on the wire.
type sseClient struct {
	id   string
	sess *sse.Session

	mu sync.Mutex
}

func (c *sseClient) send(eventType, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(data)
	if err := c.sess.Send(&msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

// SSETransport serves the engine over Server-Sent Events: clients open a
// long-lived GET stream, learn their message endpoint from the first event,
// and POST envelopes there. Responses come back on the stream.
type SSETransport struct {
	engine *Engine
	logger *slog.Logger
	server *http.Server

	mu      sync.Mutex
	clients map[string]*sseClient

	done chan struct{}
}

func NewSSETransport(engine *Engine, addr string, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &SSETransport{
		engine:  engine,
		logger:  logger.With(slog.String("transport", "sse")),
		clients: make(map[string]*sseClient),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", t.handleStream)
	mux.HandleFunc("/message", t.handleMessage)

	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// Run serves until the context is cancelled. Open streams are released on
// shutdown so Shutdown can drain.
func (t *SSETransport) Run(ctx context.Context) error {
	go t.heartbeat()

	errs := make(chan error, 1)
	go func() {
		t.logger.Info("sse transport listening", slog.String("addr", t.server.Addr))
		if err := t.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	select {
	case err := <-errs:
		close(t.done)
		return err
	case <-ctx.Done():
	}

	close(t.done)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.logger.Info("sse transport shutting down")
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errs
}

func (t *SSETransport) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		t.logger.Error("upgrade to sse", slog.String("err", err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{id: uuid.New().String(), sess: sess}
	if err := client.send("endpoint", fmt.Sprintf("/message?sessionID=%s", client.id)); err != nil {
		t.logger.Error("send endpoint event", slog.String("err", err.Error()))
		return
	}

	t.mu.Lock()
	t.clients[client.id] = client
	t.mu.Unlock()
	t.logger.Info("client connected", slog.String("session", client.id))

	// Keep the stream open until the client goes away or we shut down.
	select {
	case <-r.Context().Done():
	case <-t.done:
	}

	t.remove(client.id)
	t.logger.Info("client disconnected", slog.String("session", client.id))
}

func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionID")
	t.mu.Lock()
	client, ok := t.clients[sessionID]
	t.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	call := CallContext{Transport: "sse", Token: bearerToken(r)}
	response := t.engine.Handle(r.Context(), body, call)
	if response != nil {
		if err := client.send("message", string(response)); err != nil {
			t.logger.Warn("stream write failed, dropping client",
				slog.String("session", sessionID), slog.String("err", err.Error()))
			t.remove(sessionID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// heartbeat pings every stream on an interval; clients whose stream errors
// are dropped from the set so the next broadcast skips them.
func (t *SSETransport) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		clients := make([]*sseClient, 0, len(t.clients))
		for _, c := range t.clients {
			clients = append(clients, c)
		}
		t.mu.Unlock()

		for _, c := range clients {
			if err := c.send("ping", time.Now().UTC().Format(time.RFC3339)); err != nil {
				t.remove(c.id)
			}
		}
	}
}

func (t *SSETransport) remove(id string) {
	t.mu.Lock()
	delete(t.clients, id)
	t.mu.Unlock()
}

// ClientCount reports the number of open streams.
func (t *SSETransport) ClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}
