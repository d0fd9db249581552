// Package httpkit builds the HTTP clients used to reach streamable-HTTP
// MCP servers and holds the response-body helpers shared by the
// transport.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mcphub/internal/buildinfo"
)

// Transport limits. MCP traffic goes to a handful of hosts, each with at
// most one in-flight POST and one open GET stream per session.
const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConnsPerHost   = 4
)

// Options configures NewClient. The zero value is a client with no
// overall timeout, the hub User-Agent, and no extra headers.
type Options struct {
	// Timeout bounds each whole request including the body read. Leave
	// zero for clients that hold the server's SSE stream open.
	Timeout time.Duration

	// Headers are sent on every request that does not already set them.
	// Typically Authorization.
	Headers map[string]string

	// UserAgent replaces buildinfo.UserAgent().
	UserAgent string

	// Base replaces the pooled transport. Tests use it.
	Base http.RoundTripper
}

// NewTransport returns the pooled transport NewClient uses by default.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds the *http.Client for one MCP server.
func NewClient(o Options) *http.Client {
	base := o.Base
	if base == nil {
		base = NewTransport()
	}

	headers := make(http.Header, len(o.Headers)+1)
	ua := o.UserAgent
	if ua == "" {
		ua = buildinfo.UserAgent()
	}
	headers.Set("User-Agent", ua)
	for k, v := range o.Headers {
		headers.Set(k, v)
	}

	return &http.Client{
		Timeout:   o.Timeout,
		Transport: &defaultHeaders{base: base, headers: headers},
	}
}

// defaultHeaders fills in headers the request leaves unset. Headers the
// caller set win.
type defaultHeaders struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *defaultHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	var clone *http.Request
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		if clone == nil {
			// The caller's request must stay untouched.
			clone = req.Clone(req.Context())
		}
		clone.Header[k] = vs
	}
	if clone != nil {
		req = clone
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose discards up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body,
// whitespace-trimmed and with "..." appended when cut short, then
// drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	s := strings.TrimSpace(string(body))
	if truncated {
		s += "..."
	}
	return s
}
