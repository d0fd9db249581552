// Package registry owns the set of configured MCP servers and their
// connections. Static servers come from configuration; dynamic servers
// are added at runtime and persisted through a [DynamicStore]. Every
// known server is either running (a live client) or failed (a captured
// error), and one server's failure never affects another.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphub/internal/connwatch"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/mcp"
)

// DefaultConnectTimeout bounds one server's connect and tool discovery.
const DefaultConnectTimeout = 30 * time.Second

var (
	// ErrNotRemovable is returned by RemoveServer for a name that is not
	// in the persisted dynamic set.
	ErrNotRemovable = errors.New("server is not a removable dynamic server")

	// ErrUnknownServer is returned when a name is not registered.
	ErrUnknownServer = errors.New("unknown server")

	// ErrNotRunning is returned when a call targets a failed server.
	ErrNotRunning = errors.New("server is not running")

	// ErrUnknownTool is returned when a server does not expose a tool,
	// either because it never listed it or because a filter hides it.
	ErrUnknownTool = errors.New("unknown tool")
)

// State is a server's connection state.
type State string

const (
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// ServerStatus is the reported state of one server.
type ServerStatus struct {
	Name    string                   `json:"name"`
	Status  State                    `json:"status"`
	Error   string                   `json:"error,omitempty"`
	Kind    Kind                     `json:"kind,omitempty"`
	Dynamic bool                     `json:"dynamic"`
	Tools   int                      `json:"tools"`
	Server  *mcp.ServerInfo          `json:"server,omitempty"`
	Health  *connwatch.ServiceStatus `json:"health,omitempty"`
}

// Timeouts groups the per-connection time budgets.
type Timeouts struct {
	// Connect bounds handshake plus tool discovery for one server.
	Connect time.Duration

	// Request bounds each request on an established connection.
	Request time.Duration

	// Handshake bounds the wait for a subprocess's initialize reply.
	Handshake time.Duration

	// DrainIdle and DrainMax control the subprocess startup drain.
	DrainIdle time.Duration
	DrainMax  time.Duration
}

// TransportFactory builds the transport for a validated, resolved
// descriptor.
type TransportFactory func(d Descriptor) (mcp.Transport, error)

// NewTransportFactory returns the standard factory: a stdio transport
// for process servers and an HTTP transport for stream servers.
func NewTransportFactory(timeouts Timeouts, logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(d Descriptor) (mcp.Transport, error) {
		tlog := logger.With("mcp_server", d.Name)
		switch d.Kind() {
		case KindProcess:
			return mcp.NewStdioTransport(mcp.StdioConfig{
				Command:          d.Command,
				Args:             d.Args,
				Env:              envList(d.Env),
				Dir:              d.Workdir,
				RequestTimeout:   timeouts.Request,
				HandshakeTimeout: timeouts.Handshake,
				DrainIdle:        timeouts.DrainIdle,
				DrainMax:         timeouts.DrainMax,
				Logger:           tlog,
			}), nil
		case KindStream:
			return mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:            d.URL,
				Headers:        d.Headers,
				RequestTimeout: timeouts.Request,
				Logger:         tlog,
			}), nil
		}
		return nil, d.Validate()
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTimeouts sets connection time budgets. Zero fields keep their
// defaults.
func WithTimeouts(t Timeouts) Option {
	return func(r *Registry) { r.timeouts = t }
}

// WithTransportFactory replaces the transport factory.
func WithTransportFactory(f TransportFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithHealth enables periodic ping health checks of running servers.
func WithHealth(m *connwatch.Manager) Option {
	return func(r *Registry) { r.health = m }
}

// WithEvents publishes server lifecycle and tool call events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// entry is exactly one of a live client or a captured error.
type entry struct {
	client *mcp.Client
	err    error
}

// Registry tracks named MCP servers and their connections. It is safe
// for concurrent use.
type Registry struct {
	logger   *slog.Logger
	timeouts Timeouts
	factory  TransportFactory
	health   *connwatch.Manager
	bus      *events.Bus
	store    DynamicStore

	// storeMu serializes load-modify-save cycles on the store.
	storeMu sync.Mutex

	mu      sync.RWMutex
	static  map[string]Descriptor
	dynamic map[string]Descriptor
	entries map[string]*entry
}

// New creates a registry from static descriptors and the dynamic set
// held in store. Dynamic descriptors override static ones with the same
// name. A nil store keeps dynamic servers in memory.
func New(ctx context.Context, static map[string]Descriptor, store DynamicStore, opts ...Option) (*Registry, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		logger:  slog.Default(),
		store:   store,
		static:  make(map[string]Descriptor, len(static)),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeouts.Connect <= 0 {
		r.timeouts.Connect = DefaultConnectTimeout
	}
	if r.factory == nil {
		r.factory = NewTransportFactory(r.timeouts, r.logger)
	}

	for name, d := range static {
		d.Name = name
		r.static[name] = d
	}

	dynamic, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	r.dynamic = make(map[string]Descriptor, len(dynamic))
	for name, d := range dynamic {
		d.Name = name
		r.dynamic[name] = d
		if _, ok := r.static[name]; ok {
			r.logger.Info("dynamic server overrides static config", "mcp_server", name)
		}
	}

	return r, nil
}

// descriptor returns the effective unresolved descriptor for name.
// Caller holds mu.
func (r *Registry) descriptor(name string) (Descriptor, bool) {
	if d, ok := r.dynamic[name]; ok {
		return d, true
	}
	d, ok := r.static[name]
	return d, ok
}

// InitializeAll connects every known server concurrently. Each name ends
// up running or failed; per-server errors are recorded, never returned.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.RLock()
	all := make(map[string]Descriptor, len(r.static)+len(r.dynamic))
	for name, d := range r.static {
		all[name] = d
	}
	for name, d := range r.dynamic {
		all[name] = d
	}
	r.mu.RUnlock()

	r.logger.Info("initializing MCP servers", "count", len(all))

	var g errgroup.Group
	for name, d := range all {
		g.Go(func() error {
			client, err := r.connect(ctx, d)
			r.record(name, client, err)
			return nil
		})
	}
	_ = g.Wait()

	running, failed := 0, 0
	r.mu.RLock()
	for _, e := range r.entries {
		if e.client != nil {
			running++
		} else {
			failed++
		}
	}
	r.mu.RUnlock()
	r.logger.Info("MCP servers initialized", "running", running, "failed", failed)
}

// connect validates, resolves and connects one descriptor, then
// discovers its tools. The transport factory is only reached for a
// valid descriptor.
func (r *Registry) connect(ctx context.Context, d Descriptor) (*mcp.Client, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	resolved := ResolvePlaceholders(d)

	transport, err := r.factory(resolved)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeouts.Connect)
	defer cancel()

	client := mcp.NewClient(d.Name, transport, r.logger)
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.ListTools(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// record stores the outcome of a connect attempt, replacing and tearing
// down any previous connection under the same name.
func (r *Registry) record(name string, client *mcp.Client, err error) {
	r.mu.Lock()
	if _, known := r.descriptor(name); !known {
		// Removed while connecting.
		r.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return
	}
	old := r.entries[name]
	if client != nil {
		r.entries[name] = &entry{client: client}
	} else {
		r.entries[name] = &entry{err: err}
	}
	r.mu.Unlock()

	if old != nil && old.client != nil && old.client != client {
		r.closeClient(name, old.client)
	}

	if client == nil {
		r.unwatch(name)
		r.logger.Error("MCP server failed to initialize", "mcp_server", name, "error", err)
		r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerFailed, map[string]any{
			"mcp_server": name,
			"error":      err.Error(),
		}))
		return
	}

	r.logger.Info("MCP server running", "mcp_server", name, "tools", len(client.Tools()))
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerRunning, map[string]any{
		"mcp_server": name,
		"server":     client.ServerInfo().Name,
		"tools":      len(client.Tools()),
	}))
	go r.watchClosed(name, client)
	if r.health != nil {
		r.health.Watch(context.Background(), connwatch.WatcherConfig{
			Name:  name,
			Probe: client.Ping,
			OnReady: func() {
				r.bus.Publish(events.NewEvent(events.SourceHealth, events.KindHealthy, map[string]any{
					"mcp_server": name,
				}))
			},
			OnDown: func(err error) {
				r.bus.Publish(events.NewEvent(events.SourceHealth, events.KindUnhealthy, map[string]any{
					"mcp_server": name,
					"error":      err.Error(),
				}))
			},
			Logger: r.logger,
		})
	}
}

// watchClosed moves name to failed and closes client when its transport
// dies, unless the client was replaced or removed first.
func (r *Registry) watchClosed(name string, client *mcp.Client) {
	<-client.Done()

	err := client.Err()
	if err == nil {
		err = mcp.NewError(mcp.ErrTransportClosed, "connection to %s closed", name)
	}

	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.client != client {
		r.mu.Unlock()
		return
	}
	r.entries[name] = &entry{err: err}
	r.mu.Unlock()

	r.unwatch(name)
	r.logger.Warn("MCP server connection lost", "mcp_server", name, "error", err)
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerFailed, map[string]any{
		"mcp_server": name,
		"error":      err.Error(),
	}))

	// The subprocess may still be running with its stdout closed.
	if cerr := client.Close(); cerr != nil {
		r.logger.Debug("error closing lost MCP server", "mcp_server", name, "error", cerr)
	}
}

func (r *Registry) unwatch(name string) {
	if r.health != nil {
		r.health.Unwatch(name)
	}
}

// closeClient tears down a client and logs failures.
func (r *Registry) closeClient(name string, client *mcp.Client) error {
	r.unwatch(name)
	if err := client.Close(); err != nil {
		r.logger.Error("error closing MCP server", "mcp_server", name, "error", err)
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// Client returns the live client for name, or false if the server is
// unknown or failed.
func (r *Registry) Client(name string) (*mcp.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.client == nil {
		return nil, false
	}
	return e.client, true
}

// RunningClients returns the live clients by name.
func (r *Registry) RunningClients() map[string]*mcp.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*mcp.Client)
	for name, e := range r.entries {
		if e.client != nil {
			out[name] = e.client
		}
	}
	return out
}

// FailedClients returns the captured errors by name.
func (r *Registry) FailedClients() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error)
	for name, e := range r.entries {
		if e.client == nil {
			out[name] = e.err
		}
	}
	return out
}

// Status reports the state of every server with a connection attempt.
func (r *Registry) Status() map[string]ServerStatus {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]ServerStatus, len(names))
	for _, name := range names {
		if st, ok := r.ServerStatus(name); ok {
			out[name] = st
		}
	}
	return out
}

// ServerStatus reports the state of one server.
func (r *Registry) ServerStatus(name string) (ServerStatus, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	d, _ := r.descriptor(name)
	_, dynamic := r.dynamic[name]
	r.mu.RUnlock()
	if !ok {
		return ServerStatus{}, false
	}

	st := ServerStatus{
		Name:    name,
		Kind:    d.Kind(),
		Dynamic: dynamic,
	}
	if e.client == nil {
		st.Status = StateFailed
		if e.err != nil {
			st.Error = e.err.Error()
		}
		return st, true
	}

	st.Status = StateRunning
	st.Tools = len(mcp.FilterTools(e.client.Tools(), d.IncludeTools, d.ExcludeTools))
	info := e.client.ServerInfo()
	st.Server = &info
	if r.health != nil {
		if h, ok := r.health.Get(name); ok {
			st.Health = &h
		}
	}
	return st, true
}

// ListNames returns every configured server name, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.static)+len(r.dynamic))
	for name := range r.static {
		seen[name] = true
	}
	for name := range r.dynamic {
		seen[name] = true
	}
	return sortedKeys(seen)
}

// StaticNames returns the names from configuration, sorted.
func (r *Registry) StaticNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.static)
}

// DynamicNames returns the names added at runtime, sorted.
func (r *Registry) DynamicNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.dynamic)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns the effective descriptor for name with
// placeholders resolved.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.descriptor(name)
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	return ResolvePlaceholders(d), true
}

// Tools returns the combined catalog of all running servers, after each
// server's include/exclude filter, sorted by source then name.
func (r *Registry) Tools() []mcp.ToolDescriptor {
	r.mu.RLock()
	var tools []mcp.ToolDescriptor
	for name, e := range r.entries {
		if e.client == nil {
			continue
		}
		d, _ := r.descriptor(name)
		tools = append(tools, mcp.FilterTools(e.client.Tools(), d.IncludeTools, d.ExcludeTools)...)
	}
	r.mu.RUnlock()

	mcp.SortTools(tools)
	return tools
}

// CallTool invokes tool on the named running server.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[server]
	d, _ := r.descriptor(server)
	r.mu.RUnlock()

	switch {
	case !ok:
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, server)
	case e.client == nil:
		return "", fmt.Errorf("%w: %s: %w", ErrNotRunning, server, e.err)
	}

	exposed := false
	for _, td := range mcp.FilterTools(e.client.Tools(), d.IncludeTools, d.ExcludeTools) {
		if td.Name == tool {
			exposed = true
			break
		}
	}
	if !exposed {
		return "", fmt.Errorf("%w: server %s does not expose tool %q", ErrUnknownTool, server, tool)
	}

	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindToolCall, map[string]any{
		"mcp_server": server,
		"tool":       tool,
	}))
	start := time.Now()
	result, err := e.client.CallTool(ctx, tool, args)

	done := map[string]any{
		"mcp_server":  server,
		"tool":        tool,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		done["error"] = err.Error()
	}
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindToolDone, done))
	return result, err
}

// AddServer validates d, persists it to the dynamic set, and connects it
// the same way InitializeAll does. Only an invalid descriptor or a
// storage failure is returned as an error; a failed connection is
// reported in the returned status.
func (r *Registry) AddServer(ctx context.Context, name string, d Descriptor) (ServerStatus, error) {
	d.Name = name
	if name == "" {
		return ServerStatus{}, mcp.NewError(mcp.ErrConfig, "server name must not be empty")
	}
	if err := d.Validate(); err != nil {
		return ServerStatus{}, err
	}

	r.storeMu.Lock()
	persisted, err := r.store.Load(ctx)
	if err == nil {
		persisted[name] = d
		err = r.store.Save(ctx, persisted)
	}
	r.storeMu.Unlock()
	if err != nil {
		return ServerStatus{}, err
	}

	r.mu.Lock()
	r.dynamic[name] = d
	r.mu.Unlock()

	r.logger.Info("adding dynamic MCP server", "mcp_server", name, "kind", d.Kind())
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerAdded, map[string]any{
		"mcp_server": name,
		"kind":       string(d.Kind()),
	}))

	client, err := r.connect(ctx, d)
	r.record(name, client, err)

	st, _ := r.ServerStatus(name)
	return st, nil
}

// RemoveServer stops and forgets a dynamic server. Static and unknown
// names return ErrNotRemovable.
func (r *Registry) RemoveServer(ctx context.Context, name string) error {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	persisted, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	if _, ok := persisted[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotRemovable, name)
	}

	r.mu.Lock()
	e := r.entries[name]
	delete(r.entries, name)
	delete(r.dynamic, name)
	delete(r.static, name)
	r.mu.Unlock()

	if e != nil && e.client != nil {
		_ = r.closeClient(name, e.client)
	}

	delete(persisted, name)
	if err := r.store.Save(ctx, persisted); err != nil {
		return err
	}

	r.logger.Info("removed dynamic MCP server", "mcp_server", name)
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindServerRemoved, map[string]any{
		"mcp_server": name,
	}))
	return nil
}

// CleanupAll closes every live connection concurrently and clears all
// connection state. Every teardown runs even if others fail; failures
// are logged and returned together.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var g multierror.Group
	for name, e := range entries {
		if e.client == nil {
			continue
		}
		g.Go(func() error {
			return r.closeClient(name, e.client)
		})
	}

	done := make(chan *multierror.Error, 1)
	go func() { done <- g.Wait() }()

	select {
	case merr := <-done:
		if err := merr.ErrorOrNil(); err != nil {
			return err
		}
		r.logger.Info("all MCP servers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup interrupted: %w", ctx.Err())
	}
}
