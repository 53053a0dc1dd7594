// Package backend provides outbound adapters for the tool-execution
// backend, speaking newline-delimited JSON-RPC over a spawned subprocess
// or over HTTP.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chimera-gw/chimera/internal/port/outbound"
)

const (
	scannerInitialBufSize = 256 * 1024  // 256KB initial buffer
	scannerMaxBufSize     = 1024 * 1024 // 1MB max frame size

	// stopGrace is how long Close waits after the termination signal
	// before killing the backend's process group.
	stopGrace = 5 * time.Second
)

// StdioClient runs the backend as a subprocess and exchanges frames over
// its stdin/stdout. Responses are correlated to calls by JSON-RPC id, so
// several calls may be in flight at once. The subprocess stderr passes
// through to our stderr.
type StdioClient struct {
	path   string
	args   []string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan []byte
	closed  bool

	// wmu serializes stdin writes so concurrent frames never interleave.
	wmu sync.Mutex

	notifications chan []byte
	closing       chan struct{}
	procDone      chan struct{}
	waitErr       error
}

// NewStdioClient creates a client that will run the given backend command.
func NewStdioClient(path string, args []string, logger *slog.Logger) *StdioClient {
	return &StdioClient{
		path:          path,
		args:          args,
		logger:        logger,
		pending:       make(map[string]chan []byte),
		notifications: make(chan []byte),
		closing:       make(chan struct{}),
		procDone:      make(chan struct{}),
	}
}

// Start launches the backend subprocess and its read pump.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("client is closed")
	}
	if c.cmd != nil {
		return errors.New("client already started")
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	// Backend stderr passes through for operator visibility.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("failed to start backend: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin

	go c.readPump(stdout)
	return nil
}

// Call sends a request frame and blocks until the matching response frame
// arrives, ctx expires, or the backend connection ends.
func (c *StdioClient) Call(ctx context.Context, frame []byte) ([]byte, error) {
	id, ok := requestID(frame)
	if !ok {
		return nil, errors.New("call frame carries no id")
	}

	ch := make(chan []byte, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	if c.cmd == nil {
		c.mu.Unlock()
		return nil, errors.New("client not started")
	}
	if c.pending == nil {
		c.mu.Unlock()
		return nil, errors.New("backend connection closed")
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("request id %s already in flight", id)
	}
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	c.wmu.Lock()
	err := writeFrame(stdin, frame)
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write to backend: %w", err)
	}

	select {
	case resp, open := <-ch:
		if !open {
			return nil, errors.New("backend connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification frame. No response is expected.
func (c *StdioClient) Notify(_ context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	if c.cmd == nil {
		c.mu.Unlock()
		return errors.New("client not started")
	}
	stdin := c.stdin
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(stdin, frame); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

// Notifications yields backend-initiated frames. The channel closes when
// the backend connection ends.
func (c *StdioClient) Notifications() <-chan []byte {
	return c.notifications
}

// Wait blocks until the backend process exits and returns its exit error.
func (c *StdioClient) Wait() error {
	c.mu.Lock()
	started := c.cmd != nil
	c.mu.Unlock()
	if !started {
		return errors.New("client not started")
	}
	<-c.procDone
	return c.waitErr
}

// Close shuts the connection down. It closes the backend's stdin, signals
// the process group to terminate, and kills the group if it has not exited
// within stopGrace.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}
	if cmd == nil || cmd.Process == nil {
		return errors.Join(errs...)
	}

	if err := terminateProcessGroup(cmd.Process.Pid); err != nil {
		errs = append(errs, fmt.Errorf("terminate backend: %w", err))
	}
	select {
	case <-c.procDone:
	case <-time.After(stopGrace):
		if err := killProcessGroup(cmd.Process.Pid); err != nil {
			errs = append(errs, fmt.Errorf("kill backend: %w", err))
		}
		<-c.procDone
	}
	return errors.Join(errs...)
}

// readPump reads stdout frames until the backend exits. Response frames
// resolve pending calls; everything else flows to Notifications.
func (c *StdioClient) readPump(stdout io.ReadCloser) {
	defer close(c.procDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		c.dispatch(frame)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("backend stdout read ended", "error", err)
	}

	// Fail outstanding calls and end the notification stream, then reap
	// the process. Wait must not run until the pipe is fully drained.
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	close(c.notifications)

	c.waitErr = c.cmd.Wait()
}

func (c *StdioClient) dispatch(frame []byte) {
	if id, ok := responseID(frame); ok {
		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if found {
			ch <- frame
		} else {
			// Late reply to a call that already gave up.
			c.logger.Debug("dropping unmatched backend response", "id", id)
		}
		return
	}

	select {
	case c.notifications <- frame:
	case <-c.closing:
	}
}

func (c *StdioClient) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// writeFrame appends the newline delimiter without mutating the caller's
// backing array.
func writeFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// responseID extracts the correlation id from a frame carrying a result or
// an error. Request and notification frames report ok == false.
func responseID(frame []byte) (string, bool) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", false
	}
	if probe.Method != "" || len(probe.ID) == 0 || string(probe.ID) == "null" {
		return "", false
	}
	if len(probe.Result) == 0 && len(probe.Error) == 0 {
		return "", false
	}
	return normalizeID(probe.ID), true
}

// requestID extracts the id a call frame will be answered under.
func requestID(frame []byte) (string, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", false
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return "", false
	}
	return normalizeID(probe.ID), true
}

// normalizeID canonicalizes an id through a decode/encode round trip so
// formatting differences between our frame and the backend's reply cannot
// break correlation.
func normalizeID(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Compile-time check that StdioClient implements BackendClient.
var _ outbound.BackendClient = (*StdioClient)(nil)
