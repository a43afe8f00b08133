package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport serves the engine over WebSocket: each text frame is one
// JSON-RPC envelope, each response one frame back on the same connection.
type WSTransport struct {
	engine   *Engine
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewWSTransport(engine *Engine, addr string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &WSTransport{
		engine: engine,
		logger: logger.With(slog.String("transport", "ws")),
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleConn)

	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

func (t *WSTransport) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		t.logger.Info("websocket transport listening", slog.String("addr", t.server.Addr))
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

	t.logger.Info("websocket transport shutting down")
	// Shutdown does not wait for hijacked connections, so the open
	// sockets are closed explicitly to unblock their read loops.
	t.closeConnections()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errs
}

func (t *WSTransport) closeConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		_ = conn.Close()
	}
}

func (t *WSTransport) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("upgrade to websocket", slog.String("err", err.Error()))
		return
	}
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	call := CallContext{Transport: "ws", Token: bearerToken(r)}
	t.logger.Info("websocket client connected", slog.String("remote", conn.RemoteAddr().String()))

	var writeMu sync.Mutex
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read failed", slog.String("err", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		response := t.engine.Handle(r.Context(), payload, call)
		if response == nil {
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, response)
		writeMu.Unlock()
		if err != nil {
			t.logger.Warn("websocket write failed", slog.String("err", err.Error()))
			return
		}
	}
}
