package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/registry"
	"github.com/nugget/mcphub/internal/usage"
)

type fakeRegistry struct {
	mu       sync.Mutex
	status   map[string]registry.ServerStatus
	static   []string
	dynamic  []string
	tools    []mcp.ToolDescriptor
	added    map[string]registry.Descriptor
	callErr  error
	lastArgs map[string]any
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		status: map[string]registry.ServerStatus{
			"fs":  {Name: "fs", Status: registry.StateRunning, Kind: registry.KindProcess, Tools: 1},
			"web": {Name: "web", Status: registry.StateFailed, Kind: registry.KindStream, Error: "connection refused"},
		},
		static: []string{"fs", "web"},
		tools: []mcp.ToolDescriptor{
			{Name: "read_file", Source: "fs"},
			{Name: "search", Source: "web"},
		},
		added: make(map[string]registry.Descriptor),
	}
}

func (f *fakeRegistry) Status() map[string]registry.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRegistry) ServerStatus(name string) (registry.ServerStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[name]
	return st, ok
}

func (f *fakeRegistry) StaticNames() []string { return f.static }
func (f *fakeRegistry) DynamicNames() []string { return f.dynamic }

func (f *fakeRegistry) Tools() []mcp.ToolDescriptor { return f.tools }

func (f *fakeRegistry) CallTool(_ context.Context, server, tool string, args map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArgs = args
	if f.callErr != nil {
		return "", f.callErr
	}
	if _, ok := f.status[server]; !ok {
		return "", fmt.Errorf("%w: %q", registry.ErrUnknownServer, server)
	}
	return server + "/" + tool, nil
}

func (f *fakeRegistry) AddServer(_ context.Context, name string, d registry.Descriptor) (registry.ServerStatus, error) {
	if name == "" {
		return registry.ServerStatus{}, mcp.NewError(mcp.ErrConfig, "server name is required")
	}
	if err := d.Validate(); err != nil {
		return registry.ServerStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[name] = d
	st := registry.ServerStatus{Name: name, Status: registry.StateRunning, Kind: d.Kind(), Dynamic: true}
	f.status[name] = st
	return st, nil
}

func (f *fakeRegistry) RemoveServer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.added[name]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotRemovable, name)
	}
	delete(f.added, name)
	delete(f.status, name)
	return nil
}

func (f *fakeRegistry) addedDescriptor(name string) registry.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[name]
}

func (f *fakeRegistry) args() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArgs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, reg Registry, listen config.ListenConfig) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(listen, reg, discardLogger()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func errorOf(t *testing.T, data []byte) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal error payload %s: %v", data, err)
	}
	return payload["error"]
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	resp, data := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte(`"healthy"`)) {
		t.Errorf("health body = %s", data)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	resp, data = do(t, http.MethodGet, ts.URL+"/v1/version", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status = %d", resp.StatusCode)
	}
	var info map[string]string
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	for _, key := range []string{"version", "go_version", "uptime"} {
		if _, ok := info[key]; !ok {
			t.Errorf("version response missing %q", key)
		}
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want %q", got, "abc-123")
	}
}

func TestServerList(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"fs", "web"}},
		{"running", "?status=running", []string{"fs"}},
		{"failed", "?status=failed", []string{"web"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, http.MethodGet, ts.URL+"/v1/servers"+tt.query, "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, data)
			}
			var list ServerList
			if err := json.Unmarshal(data, &list); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			var got []string
			for _, st := range list.Servers {
				got = append(got, st.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("servers = %v, want %v", got, tt.want)
			}
		})
	}

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/servers?status=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", resp.StatusCode)
	}
}

func TestServerGet(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	resp, data := do(t, http.MethodGet, ts.URL+"/v1/servers/web", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st registry.ServerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Status != registry.StateFailed || st.Error != "connection refused" {
		t.Errorf("status = %+v", st)
	}

	resp, data = do(t, http.MethodGet, ts.URL+"/v1/servers/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown server status = %d, want 404", resp.StatusCode)
	}
	if msg := errorOf(t, data); !strings.Contains(msg, "nope") {
		t.Errorf("error = %q, want it to name the server", msg)
	}
}

func TestStaticAndDynamicNames(t *testing.T) {
	reg := newFakeRegistry()
	ts := newTestServer(t, reg, config.ListenConfig{})

	_, data := do(t, http.MethodGet, ts.URL+"/v1/servers/static", "")
	if string(bytes.TrimSpace(data)) != `{"static_servers":["fs","web"]}` {
		t.Errorf("static = %s", data)
	}

	// An empty set renders as [] rather than null.
	_, data = do(t, http.MethodGet, ts.URL+"/v1/servers/dynamic", "")
	if string(bytes.TrimSpace(data)) != `{"dynamic_servers":[]}` {
		t.Errorf("dynamic = %s", data)
	}
}

func TestServerAddAndRemove(t *testing.T) {
	reg := newFakeRegistry()
	ts := newTestServer(t, reg, config.ListenConfig{})

	body := `{"name":"time","command":"uvx","args":["mcp-server-time"],"env":{"TZ":"UTC"}}`
	resp, data := do(t, http.MethodPost, ts.URL+"/v1/servers", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d: %s", resp.StatusCode, data)
	}
	d := reg.addedDescriptor("time")
	if d.Command != "uvx" || len(d.Args) != 1 || d.Env["TZ"] != "UTC" {
		t.Errorf("added descriptor = %+v", d)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/servers/time", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("remove status = %d, want 204", resp.StatusCode)
	}

	resp, data = do(t, http.MethodDelete, ts.URL+"/v1/servers/fs", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("remove static status = %d, want 403", resp.StatusCode)
	}
	if errorOf(t, data) == "" {
		t.Error("remove static: missing error message")
	}
}

func TestServerAdd_Invalid(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{`, "invalid request body"},
		{"both", `{"name":"x","command":"a","url":"http://b"}`, "mutually exclusive"},
		{"neither", `{"name":"x"}`, "must have either command or url"},
		{"no name", `{"command":"a"}`, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, http.MethodPost, ts.URL+"/v1/servers", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if msg := errorOf(t, data); !strings.Contains(msg, tt.want) {
				t.Errorf("error = %q, want substring %q", msg, tt.want)
			}
		})
	}
}

func TestTools(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})

	_, data := do(t, http.MethodGet, ts.URL+"/v1/tools", "")
	var list ToolList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(list.Tools))
	}

	_, data = do(t, http.MethodGet, ts.URL+"/v1/tools?server=fs", "")
	list = ToolList{}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "read_file" {
		t.Errorf("fs tools = %+v", list.Tools)
	}

	_, data = do(t, http.MethodGet, ts.URL+"/v1/tools?server=none", "")
	if string(bytes.TrimSpace(data)) != `{"tools":[]}` {
		t.Errorf("empty tools = %s", data)
	}
}

func TestToolCall(t *testing.T) {
	reg := newFakeRegistry()
	ts := newTestServer(t, reg, config.ListenConfig{})

	resp, data := do(t, http.MethodPost, ts.URL+"/v1/tools/call", `{"server":"fs","tool":"read_file","arguments":{"path":"/tmp/x"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out ToolCallResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Result != "fs/read_file" {
		t.Errorf("result = %q", out.Result)
	}
	if reg.args()["path"] != "/tmp/x" {
		t.Errorf("args = %v", reg.args())
	}

	// Missing arguments are sent as an empty object.
	do(t, http.MethodPost, ts.URL+"/v1/tools/call", `{"server":"fs","tool":"read_file"}`)
	if reg.args() == nil {
		t.Error("nil arguments passed to registry")
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/tools/call", `{"server":"fs"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing tool status = %d, want 400", resp.StatusCode)
	}
}

func TestToolCall_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown server", fmt.Errorf("%w: x", registry.ErrUnknownServer), http.StatusNotFound},
		{"unknown tool", fmt.Errorf("%w: y", registry.ErrUnknownTool), http.StatusNotFound},
		{"not running", fmt.Errorf("%w: web", registry.ErrNotRunning), http.StatusServiceUnavailable},
		{"invalid args", mcp.NewError(mcp.ErrInvalidArguments, "missing property"), http.StatusBadRequest},
		{"timeout", mcp.NewError(mcp.ErrTimeout, "no response"), http.StatusGatewayTimeout},
		{"closed", mcp.NewError(mcp.ErrTransportClosed, "eof"), http.StatusBadGateway},
		{"tool error", errors.New("MCP tool x returned error: boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			reg.callErr = tt.err
			ts := newTestServer(t, reg, config.ListenConfig{})

			resp, data := do(t, http.MethodPost, ts.URL+"/v1/tools/call", `{"server":"fs","tool":"t"}`)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if msg := errorOf(t, data); msg != tt.err.Error() {
				t.Errorf("error = %q, want %q", msg, tt.err.Error())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{CORSOrigins: []string{"http://dash.local"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/servers", nil)
	req.Header.Set("Origin", "http://dash.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("Allow-Origin = %q, want %q", got, "http://dash.local")
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for foreign origin = %q, want empty", got)
	}
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(config.ListenConfig{MaxConnections: 2}, newFakeRegistry(), discardLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve returned %v, want http.ErrServerClosed", err)
	}
}

func TestEvents_NotEnabled(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/events", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEvents_Stream(t *testing.T) {
	bus := events.New()
	srv := NewServer(config.ListenConfig{}, newFakeRegistry(), discardLogger())
	srv.SetEvents(bus)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?server=math"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	// Subscription happens after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerFailed, map[string]any{"mcp_server": "other"}))
	bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerRunning, map[string]any{"mcp_server": "math"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Kind != events.KindServerRunning || got.Data["mcp_server"] != "math" {
		t.Errorf("event = %+v, want server_running for math", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not unsubscribe after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvents_OriginCheck(t *testing.T) {
	srv := NewServer(config.ListenConfig{CORSOrigins: []string{"https://dash.example"}}, newFakeRegistry(), discardLogger())
	srv.SetEvents(events.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("Dial from a foreign origin succeeded")
	}

	header.Set("Origin", "https://dash.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial from allowed origin: %v", err)
	}
	conn.Close()
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t, newFakeRegistry(), config.ListenConfig{})
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/usage", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("usage without ledger status = %d, want 404", resp.StatusCode)
	}

	store, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"), "sqlite")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	for _, rec := range []usage.Record{
		{Server: "math", Tool: "add", OK: true, DurationMS: 4},
		{Server: "math", Tool: "add", OK: false, DurationMS: 6, Error: "bad input"},
		{Server: "fs", Tool: "ls", OK: true, DurationMS: 1},
		{Timestamp: time.Now().Add(-72 * time.Hour), Server: "fs", Tool: "ls", OK: true},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	srv := NewServer(config.ListenConfig{}, newFakeRegistry(), discardLogger())
	srv.SetUsage(store)
	ts = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/usage", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var report UsageReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Window != "24h0m0s" || report.Total.Calls != 3 || report.Total.Failures != 1 {
		t.Errorf("report = %+v, total = %+v", report, report.Total)
	}
	if add := report.ByTool["math/add"]; add == nil || add.Calls != 2 {
		t.Errorf("math/add = %+v, want 2 calls", add)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/usage?window=168h", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ByServer["fs"] == nil || report.ByServer["fs"].Calls != 2 {
		t.Errorf("fs over a week = %+v, want 2 calls", report.ByServer["fs"])
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/usage?window=soon", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/usage/recent?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recent status = %d, body = %s", resp.StatusCode, body)
	}
	var recent struct {
		Calls []usage.Record `json:"calls"`
	}
	if err := json.Unmarshal(body, &recent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(recent.Calls) != 2 {
		t.Errorf("recent returned %d calls, want 2", len(recent.Calls))
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/usage/recent?limit=0", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	reg := newFakeRegistry()
	reg.tools = append(reg.tools, mcp.ToolDescriptor{
		Name:        "evil",
		Source:      "web",
		Description: "<script>alert(1)</script> reads | writes\nsecond line",
	})
	ts := newTestServer(t, reg, config.ListenConfig{})

	resp, body := do(t, http.MethodGet, ts.URL+"/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	page := string(body)
	for _, want := range []string{
		"<table>",
		"<code>read_file</code>",
		"connection refused",
		"1 of 2 servers running, 3 tools.",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("status page missing %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "<script>") {
		t.Errorf("status page passed through raw HTML:\n%s", page)
	}
	if strings.Contains(page, "second line") {
		t.Error("status page should show only the first description line")
	}
}
