package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Default stdio timings.
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultDrainIdle        = 200 * time.Millisecond
	DefaultDrainMax         = 5 * time.Second

	// terminateGrace is how long Terminate waits after SIGTERM before
	// killing the subprocess.
	terminateGrace = 5 * time.Second

	// DefaultMaxLineSize bounds a single JSON-RPC line from the
	// subprocess.
	DefaultMaxLineSize = 16 << 20
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// RequestTimeout bounds each Call. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds the read of the initialize response.
	HandshakeTimeout time.Duration

	// DrainIdle is how long the startup drain waits for each further
	// line of banner output before giving up on that stream.
	DrainIdle time.Duration

	// DrainMax caps the total startup drain.
	DrainMax time.Duration

	// MaxLineSize bounds one stdout line. A longer line is a protocol
	// fault that closes the transport. Zero means DefaultMaxLineSize.
	MaxLineSize int

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (c *StdioConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DrainIdle <= 0 {
		c.DrainIdle = DefaultDrainIdle
	}
	if c.DrainMax <= 0 {
		c.DrainMax = DefaultDrainMax
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// After Connect a single reader goroutine owns stdout and routes every
// response to its waiter through the correlator, so any number of Calls
// may be in flight at once. Writes are serialized by a mutex. A request
// timeout fails only that request; the subprocess keeps running.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	corr   *Correlator

	writeMu sync.Mutex
	stdin   io.WriteCloser

	procMu   sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{} // closed once the subprocess has been reaped
	killed   chan struct{}
	killOnce sync.Once

	stdout *linePump
	stderr *linePump

	connected bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	cfg.applyDefaults()
	return &StdioTransport{
		config: cfg,
		logger: cfg.Logger,
		corr:   NewCorrelator(),
		killed: make(chan struct{}),
	}
}

// Correlator exposes the transport's correlator.
func (t *StdioTransport) Correlator() *Correlator {
	return t.corr
}

// Connect spawns the subprocess, drains any startup banner, performs
// the initialize handshake and starts the background reader. On any
// failure the subprocess is killed.
func (t *StdioTransport) Connect(ctx context.Context, params any) (*Response, error) {
	if t.config.Command == "" {
		return nil, newError(ErrConfig, "stdio transport requires a command")
	}

	if err := t.spawn(); err != nil {
		return nil, err
	}

	t.drainStartup(ctx)
	go t.logStderr()

	resp, err := t.handshake(ctx, params)
	if err != nil {
		t.kill()
		go func() {
			for range t.stdout.lines {
			}
		}()
		t.corr.Shutdown(newError(ErrTransportClosed, "handshake failed: %w", err))
		return nil, err
	}

	// Fire and forget; a server that ignores it is still usable.
	if err := t.Notify(ctx, "notifications/initialized", nil); err != nil {
		t.logger.Warn("initialized notification failed", "error", err)
	}

	t.procMu.Lock()
	t.connected = true
	t.procMu.Unlock()

	go t.readLoop()

	return resp, nil
}

// spawn starts the subprocess and its stdout/stderr line pumps.
func (t *StdioTransport) spawn() error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	if t.cmd != nil {
		return newError(ErrSpawn, "subprocess already started")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
		"dir", t.config.Dir,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newError(ErrSpawn, "create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return newError(ErrSpawn, "create stdout pipe: %w", err)
	}

	// Captured for logging only; not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return newError(ErrSpawn, "create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return newError(ErrSpawn, "start subprocess %s: %w", t.config.Command, err)
	}

	outPump := pumpLines(stdout, t.config.MaxLineSize, true)
	errPump := pumpLines(stderr, t.config.MaxLineSize, false)

	// Wait closes the pipes, so it must not run until both pumps have
	// seen EOF. A killed server's stderr may be held open by its own
	// children; stop waiting for that pump once we have killed it.
	exited := make(chan struct{})
	killed := t.killed
	go func() {
		<-outPump.done
		select {
		case <-errPump.done:
		case <-killed:
		}
		_ = cmd.Wait()
		close(exited)
	}()

	t.cmd = cmd
	t.exited = exited
	t.stdin = stdin
	t.stdout = outPump
	t.stderr = errPump

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// lineTooLongError reports a line over the configured limit.
type lineTooLongError struct {
	size, limit int
}

func (e *lineTooLongError) Error() string {
	return fmt.Sprintf("line of %d bytes exceeds limit of %d", e.size, e.limit)
}

// linePump reads newline-delimited lines into a channel. lines is
// closed on EOF, on a read error, or (when strict) on an overlong line;
// err is set before that and done is closed after.
type linePump struct {
	lines <-chan []byte
	done  <-chan struct{}
	err   error
}

// pumpLines starts a linePump over r. A strict pump stops at the first
// line longer than limit; otherwise such lines are dropped.
func pumpLines(r io.Reader, limit int, strict bool) *linePump {
	lines := make(chan []byte, 64)
	done := make(chan struct{})
	p := &linePump{lines: lines, done: done}
	go func() {
		defer close(done)
		defer close(lines)
		br := bufio.NewReaderSize(r, 1<<20)
		for {
			line, err := readLine(br, limit)
			var tooLong *lineTooLongError
			if errors.As(err, &tooLong) {
				if strict {
					p.err = err
					return
				}
				continue
			}
			if len(line) > 0 {
				lines <- line
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.err = err
				}
				return
			}
		}
	}()
	return p
}

// readLine returns one line without its trailing newline. A line longer
// than limit is consumed in full and reported as *lineTooLongError.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= limit {
			buf = append(buf, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if size > limit {
			return nil, &lineTooLongError{size: size, limit: limit}
		}
		return bytes.TrimRight(buf, "\r\n"), err
	}
}

// drainStartup discards banner output the server prints before it
// starts speaking JSON-RPC: stdout first, then stderr, each until it
// stays quiet for DrainIdle, all within DrainMax.
func (t *StdioTransport) drainStartup(ctx context.Context) {
	deadline := time.Now().Add(t.config.DrainMax)
	n := drainLines(ctx, t.stdout.lines, t.config.DrainIdle, deadline, func(line []byte) {
		t.logger.Debug("MCP subprocess startup output", "stream", "stdout", "line", string(line))
	})
	n += drainLines(ctx, t.stderr.lines, t.config.DrainIdle, deadline, func(line []byte) {
		t.logger.Debug("MCP subprocess startup output", "stream", "stderr", "line", string(line))
	})
	if n > 0 {
		t.logger.Debug("drained startup output", "lines", n)
	}
}

func drainLines(ctx context.Context, lines <-chan []byte, idle time.Duration, deadline time.Time, fn func([]byte)) int {
	var n int
	for {
		wait := idle
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return n
		}

		timer := time.NewTimer(wait)
		select {
		case line, ok := <-lines:
			timer.Stop()
			if !ok {
				return n
			}
			fn(line)
			n++
		case <-timer.C:
			return n
		case <-ctx.Done():
			timer.Stop()
			return n
		}
	}
}

// handshake writes initialize with the first correlator id and reads
// the next JSON-RPC line from stdout as its response. Banner lines that
// outlived the startup drain are skipped.
func (t *StdioTransport) handshake(ctx context.Context, params any) (*Response, error) {
	id := t.corr.Allocate()
	defer t.corr.Release(id)

	if err := t.writeLine(NewRequest(id, "initialize", params)); err != nil {
		return nil, newError(ErrSpawn, "write initialize: %w", err)
	}

	timer := time.NewTimer(t.config.HandshakeTimeout)
	defer timer.Stop()

	for {
		var line []byte
		select {
		case l, ok := <-t.stdout.lines:
			if !ok {
				if t.stdout.err != nil {
					return nil, newError(ErrSpawn, "read initialize response: %w", t.stdout.err)
				}
				return nil, newError(ErrSpawn, "subprocess %s exited before responding to initialize", t.config.Command)
			}
			line = l
		case <-timer.C:
			return nil, newError(ErrSpawn, "no initialize response within %s", t.config.HandshakeTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		t.logger.Log(ctx, LevelTrace, "received frame", "json", string(line))

		f, err := decodeFrame(line)
		if err != nil {
			t.logger.Debug("MCP subprocess startup output", "stream", "stdout", "line", string(line))
			continue
		}
		if !f.isResponse() || *f.ID != id {
			return nil, newError(ErrProtocol, "expected initialize response with id %d, got %s", id, line)
		}
		return f.response(), nil
	}
}

// readLoop routes stdout frames to pending requests. When stdout ends,
// or carries a line over MaxLineSize, it fails every waiter and kills
// the subprocess.
func (t *StdioTransport) readLoop() {
	for line := range t.stdout.lines {
		t.logger.Log(context.Background(), LevelTrace, "received frame", "json", string(line))

		f, err := decodeFrame(line)
		if err != nil {
			t.logger.Debug("skipping non-JSON-RPC line from MCP subprocess",
				"line", string(line),
			)
			continue
		}

		if f.isResponse() {
			if !t.corr.Resolve(*f.ID, f.response()) {
				t.logger.Debug("dropping response with no pending request", "id", *f.ID)
			}
			continue
		}

		t.logger.Debug("MCP server notification", "method", f.Method)
	}

	var tooLong *lineTooLongError
	if errors.As(t.stdout.err, &tooLong) {
		t.logger.Warn("MCP subprocess sent an oversized line, closing",
			"size", tooLong.size,
			"limit", tooLong.limit,
		)
		t.corr.Shutdown(newError(ErrProtocol, "MCP subprocess %s: %w", t.config.Command, tooLong))
		t.kill()
		return
	}

	t.logger.Info("MCP subprocess stdout closed")
	t.corr.Shutdown(newError(ErrTransportClosed, "MCP subprocess %s closed stdout", t.config.Command))
	// Without stdout the server is useless even if it is still running.
	t.kill()
}

// logStderr logs stderr lines at debug level until the stream closes.
func (t *StdioTransport) logStderr() {
	for line := range t.stderr.lines {
		t.logger.Debug("MCP subprocess stderr", "line", string(line))
	}
}

// writeLine marshals v and writes it as one line under the write lock.
func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(context.Background(), LevelTrace, "sending frame", "json", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return newError(ErrTransportClosed, "subprocess stdin is closed")
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Call sends a JSON-RPC request and waits up to the request timeout for
// the response carrying the same id.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (*Response, error) {
	t.procMu.Lock()
	connected := t.connected
	t.procMu.Unlock()
	if !connected {
		return nil, newError(ErrNotInitialized, "%s before initialize", method)
	}
	if err := t.corr.Err(); err != nil {
		return nil, err
	}

	id := t.corr.Allocate()
	defer t.corr.Release(id)

	if err := t.writeLine(NewRequest(id, method, params)); err != nil {
		// The pipe is unusable; take the subprocess down with it.
		t.kill()
		closeErr := newError(ErrTransportClosed, "%s: %w", method, err)
		t.corr.Shutdown(closeErr)
		return nil, closeErr
	}

	return t.corr.Await(ctx, id, t.config.RequestTimeout)
}

// Notify sends a JSON-RPC notification over stdin. No response is
// expected. Failures are logged and returned.
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	if err := t.writeLine(NewNotification(method, params)); err != nil {
		t.logger.Warn("MCP notification failed", "method", method, "error", err)
		return err
	}
	return nil
}

// Terminate sends SIGTERM to the subprocess, waits up to five seconds
// for it to exit and kills it otherwise. It returns the exit code, or
// ErrNoProcess if there is no live subprocess.
func (t *StdioTransport) Terminate() (int, error) {
	t.procMu.Lock()
	cmd, exited := t.cmd, t.exited
	t.procMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return 0, ErrNoProcess
	}
	select {
	case <-exited:
		return 0, ErrNoProcess
	default:
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.writeMu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(terminateGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		t.kill()
		<-exited
	}

	t.corr.Shutdown(newError(ErrTransportClosed, "MCP subprocess %s terminated", t.config.Command))

	code := cmd.ProcessState.ExitCode()
	t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid, "exit_code", code)
	return code, nil
}

// Close terminates the subprocess and releases resources.
func (t *StdioTransport) Close() error {
	_, err := t.Terminate()
	t.corr.Shutdown(newError(ErrTransportClosed, "transport closed"))
	if errors.Is(err, ErrNoProcess) {
		return nil
	}
	return err
}

// kill force-stops the subprocess after a failure.
func (t *StdioTransport) kill() {
	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.writeMu.Unlock()

	t.procMu.Lock()
	cmd := t.cmd
	t.procMu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	t.killOnce.Do(func() { close(t.killed) })
}

// Done is closed once the subprocess is gone or the transport is closed.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.corr.Done()
}

// Err reports why the transport is closed.
func (t *StdioTransport) Err() error {
	return t.corr.Err()
}
