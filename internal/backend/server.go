package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/chimera-gw/chimera/internal/domain/proxy"
	"github.com/chimera-gw/chimera/internal/domain/validation"
	"github.com/chimera-gw/chimera/pkg/mcp"
)

// codeWarrantRejected is the implementation-defined JSON-RPC error code
// for calls whose warrant did not verify. The message never says why.
const codeWarrantRejected = -32001

// warrantRejectedMessage is the only text a failed warrant produces on the
// wire, whatever the underlying cause.
const warrantRejectedMessage = "Tool call not authorized"

// ToolSchema is one entry of the tools/list response.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// registeredTools are the tool schemas this backend serves. Both planes
// expose exactly this set; plane selection changes values, never shape.
var registeredTools = []ToolSchema{
	{
		Name:        "get_patient_record",
		Description: "Fetch a patient record by id",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"patient_id": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"patient_id"},
		},
	},
	{
		Name:        "read_file",
		Description: "Read a file by path",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filename": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"filename"},
		},
	},
	{
		Name:        "list_files",
		Description: "List the contents of a directory",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"directory": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"directory"},
		},
	},
}

// Server speaks line-delimited JSON-RPC for the execution environment. It
// verifies the warrant on every tools/call, dispatches the tool against
// the selected plane, and answers every other method generically so the
// backend is indistinguishable from a plain MCP tool server.
type Server struct {
	env    *Environment
	logger *slog.Logger

	verifications metric.Int64Counter
	synthesized   metric.Int64Counter

	httpServer *http.Server
	mu         sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMeter records warrant verification outcomes and synthesized-record
// counts on the given meter.
func WithMeter(m metric.Meter) ServerOption {
	return func(s *Server) {
		s.initMeter(m)
	}
}

// NewServer creates the execution environment server.
func NewServer(env *Environment, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		env:    env,
		logger: logger,
	}
	s.initMeter(mnoop.NewMeterProvider().Meter("chimera"))
	for _, opt := range opts {
		opt(s)
	}

	count := func(kind string) {
		s.synthesized.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
	env.production.onSynthesis = count
	env.shadow.onSynthesis = count
	return s
}

func (s *Server) initMeter(m metric.Meter) {
	var err error
	s.verifications, err = m.Int64Counter("chimera.backend.verifications",
		metric.WithDescription("Warrant verification outcomes"))
	if err != nil {
		s.verifications, _ = mnoop.NewMeterProvider().Meter("chimera").Int64Counter("chimera.backend.verifications")
	}
	s.synthesized, err = m.Int64Counter("chimera.backend.synthesized_records",
		metric.WithDescription("Records fabricated for shadow lookups"))
	if err != nil {
		s.synthesized, _ = mnoop.NewMeterProvider().Meter("chimera").Int64Counter("chimera.backend.synthesized_records")
	}
}

// HandleFrame processes one JSON-RPC frame and returns the response frame,
// or nil when none is due (notifications and agent responses).
func (s *Server) HandleFrame(ctx context.Context, raw []byte) []byte {
	msg, err := mcp.WrapMessage(raw, mcp.AgentToBackend)
	if err != nil {
		s.logger.Warn("unparseable frame", "error", err)
		return proxy.CreateJSONRPCError(nil, validation.ErrCodeParseError, "Parse error")
	}

	if !msg.IsRequest() {
		return nil
	}
	id := msg.RawID()
	if id == nil {
		// Notification; nothing to say back.
		return nil
	}

	switch msg.Method() {
	case "tools/call":
		return s.handleToolCall(ctx, msg, id)
	case "tools/list":
		return s.handleToolsList(id)
	default:
		// initialize and friends: acknowledge generically.
		frame, err := mcp.NewResult(id, map[string]interface{}{"status": "ok"})
		if err != nil {
			return proxy.CreateJSONRPCError(id, validation.ErrCodeInternalError, "Internal error")
		}
		return frame
	}
}

func (s *Server) handleToolsList(id json.RawMessage) []byte {
	frame, err := mcp.NewResult(id, map[string]interface{}{"tools": registeredTools})
	if err != nil {
		return proxy.CreateJSONRPCError(id, validation.ErrCodeInternalError, "Internal error")
	}
	return frame
}

func (s *Server) handleToolCall(ctx context.Context, msg *mcp.Message, id json.RawMessage) []byte {
	tc := msg.ToolCall()
	if tc == nil || tc.Name == "" {
		return proxy.CreateJSONRPCError(id, validation.ErrCodeInvalidParams, "Invalid params")
	}

	token, _ := tc.Arguments[mcp.WarrantParam].(string)
	plane, err := s.env.Resolve(token, tc.Name)
	if err != nil {
		s.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
		s.logger.Warn("warrant rejected", "tool", tc.Name, "error", err)
		return proxy.CreateJSONRPCError(id, codeWarrantRejected, warrantRejectedMessage)
	}
	s.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "accepted"),
		attribute.String("plane", plane.Name()),
	))

	text, err := s.dispatch(ctx, plane, tc)
	if err != nil {
		var badArg *argumentError
		if errors.As(err, &badArg) {
			return proxy.CreateJSONRPCError(id, validation.ErrCodeInvalidParams, badArg.Error())
		}
		s.logger.Error("tool execution failed", "tool", tc.Name, "plane", plane.Name(), "error", err)
		return proxy.CreateJSONRPCError(id, validation.ErrCodeInternalError, "Internal error")
	}

	s.env.Jitter(plane)

	frame, err := mcp.NewTextResult(id, text)
	if err != nil {
		return proxy.CreateJSONRPCError(id, validation.ErrCodeInternalError, "Internal error")
	}
	return frame
}

// argumentError marks a caller mistake; its text is safe for the wire.
type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

func badArgument(format string, args ...interface{}) error {
	return &argumentError{msg: fmt.Sprintf(format, args...)}
}

// dispatch executes one tool against the selected plane and returns the
// response text. Both planes return the same shapes for the same inputs.
func (s *Server) dispatch(ctx context.Context, plane *Plane, tc *mcp.ToolCall) (string, error) {
	switch tc.Name {
	case "get_patient_record":
		id := stringArg(tc.Arguments, "patient_id")
		if id == "" {
			return "", badArgument("patient_id is required")
		}
		rec, err := plane.Patient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Sprintf("No patient record found for id %s", id), nil
		}
		if err != nil {
			return "", err
		}
		enc, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode patient record: %w", err)
		}
		return string(enc), nil

	case "read_file":
		path := stringArg(tc.Arguments, "filename")
		if path == "" {
			return "", badArgument("filename is required")
		}
		content, err := plane.File(ctx, path)
		if errors.Is(err, ErrNotFound) {
			return fmt.Sprintf("File not found: %s", path), nil
		}
		if err != nil {
			return "", err
		}
		return content, nil

	case "list_files":
		dir := stringArg(tc.Arguments, "directory")
		if dir == "" {
			return "", badArgument("directory is required")
		}
		names, err := plane.ListFiles(dir)
		if errors.Is(err, ErrNotFound) {
			return fmt.Sprintf("Directory not found: %s", dir), nil
		}
		if err != nil {
			return "", err
		}
		enc, err := json.Marshal(names)
		if err != nil {
			return "", fmt.Errorf("encode listing: %w", err)
		}
		return string(enc), nil

	default:
		return "", badArgument("unknown tool: %s", tc.Name)
	}
}

// stringArg reads one argument as a string, accepting numbers for callers
// that pass ids unquoted.
func stringArg(args map[string]interface{}, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// ServeStdio pumps newline-delimited frames between in and out until in is
// exhausted or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	var writeMu sync.Mutex
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}

		resp := s.HandleFrame(ctx, raw)
		if resp == nil {
			continue
		}

		writeMu.Lock()
		_, err := out.Write(append(resp, '\n'))
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

// ServeHTTP starts an HTTP listener serving one frame per POST /mcp. It
// blocks until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("backend listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("backend http server: %w", err)
	}
}

// Handler returns the HTTP handler for one-frame-per-POST dispatch.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}

		resp := s.HandleFrame(r.Context(), body)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})
}

// Close shuts the environment down.
func (s *Server) Close() error {
	return s.env.Close()
}
