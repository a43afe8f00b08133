package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// StdioTransport serves the engine over newline-delimited JSON on a
// reader/writer pair, normally os.Stdin and os.Stdout. Anything that is not
// protocol output goes to the banner writer so stdout stays pure JSON-RPC.
type StdioTransport struct {
	engine *Engine
	logger *slog.Logger

	in     io.Reader
	out    io.Writer
	banner io.Writer

	writeMu sync.Mutex
}

func NewStdioTransport(engine *Engine, in io.Reader, out, banner io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		engine: engine,
		logger: logger.With(slog.String("transport", "stdio")),
		in:     in,
		out:    out,
		banner: banner,
	}
}

// Run reads one JSON envelope per line until EOF or context cancellation.
// Responses are written as single compact lines. EOF is a clean shutdown,
// not an error.
func (t *StdioTransport) Run(ctx context.Context) error {
	fmt.Fprintln(t.banner, "OpenProject MCP server running on stdio")

	// errs carries exactly one value per reader goroutine, on every exit
	// path, so the closed-lines branch below can never block on it.
	lines := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				errs <- nil
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("stdio transport stopping")
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-errs; err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				t.logger.Info("stdin closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	response := t.engine.Handle(ctx, line, CallContext{Transport: "stdio"})
	if response == nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(response, '\n')); err != nil {
		t.logger.Error("write response", slog.String("err", err.Error()))
	}
}
