package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/mcphub/internal/mcp"
)

// helperEnv switches the test binary into an MCP server when it is
// re-executed as a subprocess.
const helperEnv = "MCPHUB_REGISTRY_HELPER"

// pidFileEnv names the file the hangup helper writes its pid to.
const pidFileEnv = "MCPHUB_REGISTRY_PIDFILE"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "sdk":
		_ = newSDKServer().Run(context.Background(), &sdk.StdioTransport{})
		os.Exit(0)
	case "hangup":
		runHangupServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHangupServer answers initialize and tools/list, then closes stdout
// and lingers as if wedged.
func runHangupServer() {
	_ = os.WriteFile(os.Getenv(pidFileEnv), []byte(strconv.Itoa(os.Getpid())), 0o600)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(sc.Bytes(), &req) != nil || req.ID == nil {
			continue
		}
		var result any = map[string]any{}
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": mcp.ProtocolVersion,
				"serverInfo":      map[string]any{"name": "hangup", "version": "0.0.1"},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			}
		case "tools/list":
			result = map[string]any{"tools": []any{}}
		}
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
		os.Stdout.Write(append(data, '\n'))

		if req.Method == "tools/list" {
			os.Stdout.Close()
			time.Sleep(30 * time.Second)
			return
		}
	}
}

type greetInput struct {
	Name string `json:"name" jsonschema:"who to greet"`
}

type quitInput struct{}

// newSDKServer builds a real MCP server with a greet tool and a quit
// tool that ends the process mid-call.
func newSDKServer() *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "sdk-greeter", Version: "v1.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "greet", Description: "say hi"},
		func(_ context.Context, _ *sdk.CallToolRequest, in greetInput) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{
				Content: []sdk.Content{&sdk.TextContent{Text: "Hi " + in.Name}},
			}, nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: "quit", Description: "exit the server"},
		func(_ context.Context, _ *sdk.CallToolRequest, _ quitInput) (*sdk.CallToolResult, any, error) {
			os.Exit(0)
			return nil, nil, nil
		})
	return server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeTransport is an in-memory mcp.Transport. Its server reports two
// tools, echo and secret.
type fakeTransport struct {
	desc         Descriptor
	connectErr   error
	connectDelay time.Duration
	closeErr     error

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed int
	calls  []string
}

func newFakeTransport(d Descriptor) *fakeTransport {
	return &fakeTransport{desc: d, done: make(chan struct{})}
}

func (f *fakeTransport) Connect(ctx context.Context, _ any) (*mcp.Response, error) {
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	result := fmt.Sprintf(`{"protocolVersion":%q,"serverInfo":{"name":"fake-%s","version":"1.0"}}`,
		mcp.ProtocolVersion, f.desc.Name)
	return &mcp.Response{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(result)}, nil
}

func (f *fakeTransport) Call(_ context.Context, method string, params any) (*mcp.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result string
	switch method {
	case "tools/list":
		result = `{"tools":[
			{"name":"secret","inputSchema":{"type":"object"}},
			{"name":"echo","description":"echo a message","inputSchema":{"type":"object"}}
		]}`
	case "tools/call":
		p, _ := params.(map[string]any)
		result = fmt.Sprintf(`{"content":[{"type":"text","text":"%s/%v"}]}`, f.desc.Name, p["name"])
	case "ping":
		result = `{}`
	default:
		return &mcp.Response{JSONRPC: "2.0", Error: &mcp.RPCError{Code: -32601, Message: "method not found"}}, nil
	}
	return &mcp.Response{JSONRPC: "2.0", Result: json.RawMessage(result)}, nil
}

func (f *fakeTransport) Notify(context.Context, string, any) error { return nil }

func (f *fakeTransport) Close() error {
	f.shutdown(mcp.NewError(mcp.ErrTransportClosed, "transport closed"))
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return f.closeErr
}

// die simulates the server going away underneath the client.
func (f *fakeTransport) die() {
	f.shutdown(mcp.NewError(mcp.ErrTransportClosed, "EOF from %s", f.desc.Name))
}

func (f *fakeTransport) shutdown(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
		close(f.done)
	}
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory builds fakeTransports and remembers every descriptor it
// was handed.
type fakeFactory struct {
	connectErr   map[string]error
	closeErr     map[string]error
	connectDelay time.Duration

	mu    sync.Mutex
	built map[string][]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		connectErr: map[string]error{},
		closeErr:   map[string]error{},
		built:      map[string][]*fakeTransport{},
	}
}

func (f *fakeFactory) New(d Descriptor) (mcp.Transport, error) {
	tr := newFakeTransport(d)
	tr.connectErr = f.connectErr[d.Name]
	tr.closeErr = f.closeErr[d.Name]
	tr.connectDelay = f.connectDelay

	f.mu.Lock()
	f.built[d.Name] = append(f.built[d.Name], tr)
	f.mu.Unlock()
	return tr, nil
}

// last returns the most recent transport built for name.
func (f *fakeFactory) last(name string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	trs := f.built[name]
	if len(trs) == 0 {
		return nil
	}
	return trs[len(trs)-1]
}

func (f *fakeFactory) builtNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.built)
}

// newTestRegistry builds a registry over a fake factory.
func newTestRegistry(t *testing.T, static map[string]Descriptor, store DynamicStore, opts ...Option) (*Registry, *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	opts = append([]Option{
		WithLogger(discardLogger()),
		WithTransportFactory(factory.New),
	}, opts...)
	r, err := New(context.Background(), static, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.CleanupAll(context.Background()) })
	return r, factory
}

var errRefused = errors.New("connection refused")
