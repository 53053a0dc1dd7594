// Package service contains the gateway's application services.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chimera-gw/chimera/internal/ctxkey"
	"github.com/chimera-gw/chimera/internal/domain/proxy"
	"github.com/chimera-gw/chimera/internal/domain/validation"
	"github.com/chimera-gw/chimera/internal/port/outbound"
	"github.com/chimera-gw/chimera/pkg/mcp"
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// ProxyService sits between the agent and the backend. Every inbound frame
// goes through HandleFrame: tools/call requests are resolved by the
// interceptor (which forwards to the backend itself and returns the final
// agent-facing response), everything else passes through to the backend
// unmodified.
//
// Both the stdio pump and the HTTP transport dispatch through HandleFrame,
// so the two transports cannot diverge in semantics.
type ProxyService struct {
	backend     outbound.BackendClient
	interceptor proxy.MessageInterceptor
	validator   *validation.MessageValidator
	logger      *slog.Logger

	// writeMu serializes frames onto the agent-facing writer. Responses
	// from the pump loop and backend-initiated notifications interleave.
	writeMu sync.Mutex
}

// NewProxyService creates a proxy service over a started or startable
// backend client.
func NewProxyService(backend outbound.BackendClient, interceptor proxy.MessageInterceptor, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		backend:     backend,
		interceptor: interceptor,
		validator:   validation.NewMessageValidator(),
		logger:      logger,
	}
}

// Run serves the stdio transport: newline-delimited JSON frames read from
// in, responses written to out. It starts the backend connection, pumps
// backend-initiated notifications to the agent, and blocks until in is
// exhausted or ctx is cancelled.
func (p *ProxyService) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = p.logger
	}

	if err := p.backend.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	// Closing the backend also closes its Notifications channel, which is
	// what lets the pump goroutine below exit.
	var closeOnce sync.Once
	closeBackend := func() { closeOnce.Do(func() { _ = p.backend.Close() }) }
	defer closeBackend()

	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	// Backend-initiated frames (notifications, server requests) go to the
	// agent as-is. The channel closes when the backend connection ends.
	notifDone := make(chan struct{})
	go func() {
		defer close(notifDone)
		for frame := range p.backend.Notifications() {
			if err := p.writeFrame(out, frame); err != nil {
				logger.Error("write backend notification", "error", err)
				cancel()
				return
			}
		}
	}()

	// MCP frames are newline-delimited JSON and can be large.
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}

		resp := p.HandleFrame(ctx, raw)
		if resp == nil {
			continue
		}
		if err := p.writeFrame(out, resp); err != nil {
			cancel()
			closeBackend()
			<-notifDone
			return fmt.Errorf("write response: %w", err)
		}
	}

	cancel()
	closeBackend()
	<-notifDone

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read agent stream: %w", err)
	}
	return parentCtx.Err()
}

// HandleFrame dispatches one inbound frame and returns the frame to send
// back, or nil when no response is due (notifications). It never returns
// an error: protocol failures become JSON-RPC error frames so the agent
// always hears back for a request.
func (p *ProxyService) HandleFrame(ctx context.Context, raw []byte) []byte {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = p.logger
	}
	start := time.Now()

	msg := &mcp.Message{
		Raw:       raw,
		Direction: mcp.AgentToBackend,
		Timestamp: start,
	}
	decoded, err := mcp.DecodeMessage(raw)
	if err != nil {
		logger.Warn("unparseable frame from agent", "error", err)
		return proxy.CreateJSONRPCError(nil, -32700, "Parse error")
	}
	msg.Decoded = decoded
	_ = msg.ParseParams()

	if err := p.validator.Validate(msg); err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			logger.Warn("invalid frame from agent", "error", verr.Message)
			return proxy.CreateJSONRPCError(msg.RawID(), verr.Code, verr.Message)
		}
		return proxy.CreateJSONRPCError(msg.RawID(), validation.ErrCodeInvalidRequest, "Invalid Request")
	}

	// Notifications carry no id and expect no response.
	if msg.IsRequest() && msg.RawID() == nil {
		if err := p.backend.Notify(ctx, raw); err != nil {
			logger.Error("forward notification", "method", msg.Method(), "error", err)
		}
		return nil
	}

	// Agent-side responses answer backend-initiated requests; fire and
	// forget, the backend correlates them itself.
	if msg.IsResponse() {
		if err := p.backend.Notify(ctx, raw); err != nil {
			logger.Error("forward agent response", "error", err)
		}
		return nil
	}

	processed, err := p.interceptor.Intercept(ctx, msg)
	if err != nil {
		logger.Error("interception failed",
			"method", msg.Method(),
			"error", err,
		)
		// Internal detail stays in the log; the agent gets the safe text.
		return proxy.CreateJSONRPCError(msg.RawID(), proxy.CodeForError(err), proxy.SafeErrorMessage(err))
	}

	// The interceptor resolved the call itself and produced the final
	// agent-facing response.
	if processed.Direction == mcp.BackendToAgent {
		logger.Debug("intercepted call resolved",
			"method", msg.Method(),
			"latency_us", time.Since(start).Microseconds(),
		)
		return processed.Raw
	}

	// Everything else passes through to the backend verbatim.
	resp, err := p.backend.Call(ctx, processed.Raw)
	if err != nil {
		logger.Error("passthrough call failed",
			"method", msg.Method(),
			"error", err,
		)
		return proxy.CreateJSONRPCError(msg.RawID(), proxy.CodeForError(err), proxy.SafeErrorMessage(err))
	}

	logger.Debug("forwarded message",
		"method", msg.Method(),
		"latency_us", time.Since(start).Microseconds(),
	)
	return resp
}

func (p *ProxyService) writeFrame(out io.Writer, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := out.Write(frame); err != nil {
		return err
	}
	_, err := out.Write([]byte("\n"))
	return err
}
