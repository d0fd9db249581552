package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphub/internal/httpkit"
)

// sessionHeader carries the server-assigned session id.
const sessionHeader = "Mcp-Session-Id"

// maxBodySize bounds a JSON response body.
const maxBodySize = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// RequestTimeout bounds each Call, including time spent waiting
	// for a reply on the notification stream. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Client overrides the HTTP client built via httpkit. It must not
	// set an overall Timeout, which would cut the notification stream.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is sent as an HTTP POST; the reply comes back as
// a JSON body or an SSE stream. If the server answered the handshake
// with SSE, a long-lived GET stream is opened for server-initiated
// messages, and replies that arrive there are routed by id as well.
type HTTPTransport struct {
	url            string
	client         *http.Client
	logger         *slog.Logger
	corr           *Correlator
	requestTimeout time.Duration


	mu          sync.RWMutex
	sessionID   string
	initialized bool

	streamCancel context.CancelFunc
	streamDone   chan struct{}
	closeOnce    sync.Once
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.Options{Headers: cfg.Headers})
	}

	return &HTTPTransport{
		url:            cfg.URL,
		client:         client,
		logger:         logger,
		corr:           NewCorrelator(),
		requestTimeout: cfg.RequestTimeout,
	}
}

// Correlator exposes the transport's correlator.
func (t *HTTPTransport) Correlator() *Correlator {
	return t.corr
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Connect posts initialize and branches on the reply's media type. On
// success it sends the initialized notification and, when the server
// speaks SSE, opens the notification stream.
func (t *HTTPTransport) Connect(ctx context.Context, params any) (*Response, error) {
	if t.url == "" {
		return nil, newError(ErrConfig, "http transport requires a url")
	}

	id := t.corr.Allocate()
	defer t.corr.Release(id)

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	httpResp, err := t.post(ctx, NewRequest(id, "initialize", params))
	if err != nil {
		return nil, newError(ErrSpawn, "initialize %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, newError(ErrSpawn, "initialize %s returned %d: %s", t.url, httpResp.StatusCode, body)
	}

	contentType := httpResp.Header.Get("Content-Type")
	streaming := false
	var resp *Response

	switch mediaType(contentType) {
	case "text/event-stream":
		streaming = true
		dec := newSSEDecoder(httpResp.Body)
		for dec.Next() {
			f, err := decodeFrame(dec.Data())
			if err != nil {
				t.logger.Debug("skipping undecodable SSE frame", "error", err)
				continue
			}
			if f.ID != nil {
				resp = f.response()
				break
			}
		}
		// The server may keep the stream open after replying.
		httpResp.Body.Close()
		if resp == nil {
			if err := dec.Err(); err != nil {
				return nil, newError(ErrProtocol, "read initialize stream: %w", err)
			}
			return nil, newError(ErrProtocol, "initialize stream ended without a response")
		}

	case "application/json":
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
		if err != nil {
			return nil, newError(ErrProtocol, "read initialize response: %w", err)
		}
		t.logger.Log(ctx, LevelTrace, "received frame", "json", string(body))
		f, err := decodeFrame(body)
		if err != nil {
			return nil, err
		}
		if f.ID == nil {
			return nil, newError(ErrProtocol, "initialize response has no id")
		}
		resp = f.response()

	default:
		return nil, newError(ErrProtocol, "Unexpected Content-Type: %s", contentType)
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()

	if err := t.Notify(ctx, "notifications/initialized", nil); err != nil {
		t.logger.Warn("initialized notification failed", "error", err)
	}

	if streaming {
		t.startStream()
	}

	return resp, nil
}

// Call posts a JSON-RPC request and waits for the response with the
// same id, whether it arrives in the POST reply or on the stream.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.RLock()
	initialized := t.initialized
	t.mu.RUnlock()
	if !initialized {
		return nil, newError(ErrNotInitialized, "%s before initialize", method)
	}
	if err := t.corr.Err(); err != nil {
		return nil, err
	}

	id := t.corr.Allocate()
	defer t.corr.Release(id)

	deadline := time.Now().Add(t.requestTimeout)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	httpResp, err := t.post(reqCtx, NewRequest(id, method, params))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, newError(ErrTimeout, "%s: no response within %s", method, t.requestTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(ErrTransportClosed, "%s: %w", method, err)
	}

	if err := t.dispatch(reqCtx, httpResp, id); err != nil {
		return nil, err
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	return t.corr.Await(ctx, id, remaining)
}

// dispatch reads a POST reply and resolves every response frame in it.
// Reading stops once the frame for id has been seen.
func (t *HTTPTransport) dispatch(ctx context.Context, httpResp *http.Response, id int64) error {
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		// The reply will arrive on the notification stream.
		return nil
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return newError(ErrProtocol, "MCP server returned %d: %s", httpResp.StatusCode, body)
	}

	contentType := httpResp.Header.Get("Content-Type")
	switch mediaType(contentType) {
	case "text/event-stream":
		// The answer may arrive on the notification stream instead.
		// Stop reading this body once id is resolved anywhere.
		resolved := t.corr.Resolved(id)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-resolved:
				httpResp.Body.Close()
			case <-stop:
			}
		}()

		dec := newSSEDecoder(httpResp.Body)
		for dec.Next() {
			if t.route(ctx, dec.Data()) == id {
				httpResp.Body.Close()
				return nil
			}
		}
		select {
		case <-resolved:
			return nil
		default:
		}
		if err := dec.Err(); err != nil && ctx.Err() == nil {
			t.logger.Debug("response stream ended with error", "error", err)
		}
		return nil

	case "application/json":
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
		if err != nil {
			return newError(ErrProtocol, "read response body: %w", err)
		}
		body = bytes.TrimSpace(body)
		if len(body) > 0 && body[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(body, &batch); err != nil {
				return newError(ErrProtocol, "decode batch: %w", err)
			}
			for _, msg := range batch {
				t.route(ctx, msg)
			}
			return nil
		}
		if len(body) > 0 {
			t.route(ctx, body)
		}
		return nil

	case "":
		return nil

	default:
		return newError(ErrProtocol, "Unexpected Content-Type: %s", contentType)
	}
}

// route resolves one inbound frame through the correlator. It returns
// the frame's id, or 0 for notifications and undecodable frames. A
// second delivery of the same id is a no-op.
func (t *HTTPTransport) route(ctx context.Context, data []byte) int64 {
	t.logger.Log(ctx, LevelTrace, "received frame", "json", string(data))

	f, err := decodeFrame(data)
	if err != nil {
		t.logger.Debug("skipping undecodable frame", "error", err)
		return 0
	}
	if !f.isResponse() {
		t.logger.Debug("MCP server notification", "method", f.Method)
		return 0
	}
	if !t.corr.Resolve(*f.ID, f.response()) {
		t.logger.Debug("ignoring duplicate or unknown response", "id", *f.ID)
	}
	return *f.ID
}

// Notify posts a JSON-RPC notification. The server is expected to
// answer 202 Accepted.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	httpResp, err := t.post(ctx, NewNotification(method, params))
	if err != nil {
		t.logger.Warn("MCP notification failed", "method", method, "error", err)
		return fmt.Errorf("notification %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusAccepted {
		t.logger.Warn("unexpected status for MCP notification",
			"method", method,
			"status", httpResp.StatusCode,
		)
		if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
			body := httpkit.ReadErrorBody(httpResp.Body, 4096)
			return newError(ErrProtocol, "notification %s returned %d: %s", method, httpResp.StatusCode, body)
		}
	}
	return nil
}

// post sends one JSON-RPC message as its own HTTP request. Concurrent
// posts do not wait on each other.
func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applySession(req)

	t.logger.Log(ctx, LevelTrace, "sending frame", "json", string(body))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

func (t *HTTPTransport) applySession(req *http.Request) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
}

// startStream opens the GET notification stream in the background.
func (t *HTTPTransport) startStream() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.streamCancel = cancel
	t.streamDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.readStream(ctx)
	}()
}

// readStream consumes the notification stream until it ends. The end
// of the stream is terminal: it is not reopened, and requests continue
// over POST.
func (t *HTTPTransport) readStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.logger.Warn("cannot build notification stream request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applySession(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("notification stream failed", "error", err)
		}
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		t.logger.Debug("MCP server offers no notification stream")
		return
	case resp.StatusCode != http.StatusOK:
		t.logger.Warn("notification stream rejected", "status", resp.StatusCode)
		return
	}

	t.logger.Debug("notification stream open")

	dec := newSSEDecoder(resp.Body)
	for dec.Next() {
		t.route(ctx, dec.Data())
	}

	if ctx.Err() != nil {
		return
	}
	if err := dec.Err(); err != nil {
		t.logger.Warn("notification stream ended", "error", err)
		return
	}
	t.logger.Info("notification stream ended")
}

// Close stops the notification stream, deletes the session and releases
// idle connections. Pending and later requests fail with
// ErrTransportClosed.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		cancel, done, sid := t.streamCancel, t.streamDone, t.sessionID
		t.mu.RUnlock()

		if cancel != nil {
			cancel()
			<-done
		}

		if sid != "" {
			t.deleteSession()
		}

		t.client.CloseIdleConnections()
		t.corr.Shutdown(newError(ErrTransportClosed, "transport closed"))
	})
	return nil
}

// deleteSession asks the server to drop the session. Servers that do
// not support explicit termination answer 405, which is fine.
func (t *HTTPTransport) deleteSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return
	}
	t.applySession(req)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusMethodNotAllowed && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		t.logger.Debug("unexpected status deleting session", "status", resp.StatusCode)
	}
}

// Done is closed once the transport has been closed.
func (t *HTTPTransport) Done() <-chan struct{} {
	return t.corr.Done()
}

// Err reports why the transport is closed.
func (t *HTTPTransport) Err() error {
	return t.corr.Err()
}

// mediaType returns the lowercased media type of a Content-Type value
// without parameters.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}
