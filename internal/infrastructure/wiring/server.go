// Package wiring assembles the server from its parts: configuration in,
// a running transport out.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opmcp/opmcp/internal/infrastructure/config"
	"github.com/opmcp/opmcp/internal/infrastructure/mcp"
	"github.com/opmcp/opmcp/internal/infrastructure/openproject"
)

// Server owns the assembled engine, registry and backend cache.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	cache    *openproject.Cache
	registry *mcp.Registry
	engine   *mcp.Engine
}

// NewLogger builds the process logger. Debug mode lowers the level and the
// output always goes to stderr so stdout stays free for the stdio transport.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// BuildServer wires configuration into a ready engine: backend client from
// the cache, tool registry with the per-tool budget, protocol engine with
// the transport auth hook.
func BuildServer(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cache := openproject.NewCache(logger)
	client := cache.Get(openproject.ClientConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		MaxConnections: cfg.MaxConnections,
		Timeout:        cfg.Timeout,
	})

	registry := mcp.NewRegistry(logger, mcp.WithDefaultTimeout(cfg.ToolTimeout))
	if err := mcp.RegisterOpenProjectTools(registry, client); err != nil {
		cache.CloseAll()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	engine, err := mcp.NewEngine(registry,
		mcp.WithServerInfo(mcp.ServerInfo{Name: "openproject-mcp-server", Version: version}),
		mcp.WithAuthenticator(mcp.TokenAuthenticator(cfg.AuthToken)),
		mcp.WithEngineLogger(logger),
	)
	if err != nil {
		cache.CloseAll()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	logger.Info("server assembled", slog.String("config", cfg.String()))
	return &Server{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		registry: registry,
		engine:   engine,
	}, nil
}

// Engine exposes the protocol engine, mainly for tests.
func (s *Server) Engine() *mcp.Engine { return s.engine }

// Run serves the configured transport until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case config.TransportStdio:
		transport := mcp.NewStdioTransport(s.engine, os.Stdin, os.Stdout, os.Stderr, s.logger)
		return transport.Run(ctx)
	case config.TransportHTTP:
		return mcp.NewHTTPTransport(s.engine, s.registry, s.cfg.Addr, s.logger).Run(ctx)
	case config.TransportSSE:
		return mcp.NewSSETransport(s.engine, s.cfg.Addr, s.logger).Run(ctx)
	case config.TransportWS:
		return mcp.NewWSTransport(s.engine, s.cfg.Addr, s.logger).Run(ctx)
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}
}

// Close tears the server down: the engine stops answering and every pooled
// backend client is closed. Safe to call more than once.
func (s *Server) Close() {
	s.engine.Close()
	s.cache.CloseAll()
}
