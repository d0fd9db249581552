package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"

	"github.com/nugget/mcphub/internal/api"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/connwatch"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/mqtt"
	"github.com/nugget/mcphub/internal/opstate"
	"github.com/nugget/mcphub/internal/registry"
	"github.com/nugget/mcphub/internal/usage"
)

// shutdownTimeout bounds teardown of servers, the API, and MQTT.
const shutdownTimeout = 10 * time.Second

// app holds every long-lived component. One-shot commands use only the
// registry; serve adds the API server and the MQTT publisher.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	events *events.Bus

	state    *opstate.Store
	redis    redis.UniversalClient
	health   *connwatch.Manager
	usage    *usage.Store
	usageRun chan struct{} // closed when the recorder stops
	stopRec  context.CancelFunc
	registry *registry.Registry
	server   *api.Server
	mqttPub  *mqtt.Publisher
}

// newApp builds the event bus, dynamic store, health manager, and registry. Nothing
// is connected yet; call [app.startup].
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, events: events.New()}

	store, err := a.openStore()
	if err != nil {
		a.closeStore()
		return nil, err
	}

	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithTimeouts(cfg.Timeouts.Registry()),
		registry.WithEvents(a.events),
	}
	if cfg.Health.Enabled {
		a.health = connwatch.NewManager(connwatch.Schedule{
			Interval:     cfg.Health.Interval,
			ProbeTimeout: cfg.Health.ProbeTimeout,
		}, logger)
		opts = append(opts, registry.WithHealth(a.health))
	}

	if cfg.Usage.Enabled {
		if err := a.openUsage(ctx); err != nil {
			a.closeStore()
			return nil, err
		}
	}

	reg, err := registry.New(ctx, cfg.MCPServers, store, opts...)
	if err != nil {
		a.stopUsage()
		a.closeStore()
		return nil, fmt.Errorf("load dynamic servers: %w", err)
	}
	a.registry = reg
	return a, nil
}

// openUsage opens the tool call ledger and starts recording tool_done
// events into it.
func (a *app) openUsage(ctx context.Context) error {
	path := a.cfg.Usage.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create usage directory: %w", err)
	}
	st, err := usage.NewStore(path, a.cfg.State.Driver)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	a.usage = st

	run := usage.NewRecorder(st, a.logger).Subscribe(a.events)
	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopRec = cancel
	a.usageRun = make(chan struct{})
	go func() {
		defer close(a.usageRun)
		run(recCtx)
	}()

	a.logger.Info("tool call ledger enabled", "path", path)
	return nil
}

// stopUsage stops the recorder and waits for it to finish its current
// write.
func (a *app) stopUsage() {
	if a.stopRec == nil {
		return
	}
	a.stopRec()
	<-a.usageRun
	a.stopRec = nil
}

// openStore opens the configured backend for dynamically added servers.
func (a *app) openStore() (registry.DynamicStore, error) {
	st := a.cfg.State
	switch st.Backend {
	case config.BackendMemory:
		a.logger.Info("dynamic servers kept in memory only")
		return registry.NewMemoryStore(), nil

	case config.BackendRedis:
		key := st.Key
		if key == "" {
			key = registry.DefaultRedisKey
		}
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{st.Redis.Address},
			Password: st.Redis.Password,
			DB:       st.Redis.DB,
		})
		a.logger.Info("dynamic servers stored in redis", "address", st.Redis.Address, "key", key)
		return registry.NewRedisStore(a.redis, key), nil

	default:
		if dir := filepath.Dir(st.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state directory: %w", err)
			}
		}
		state, err := opstate.NewStore(st.Path, opstate.WithDriver(st.Driver))
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		a.state = state

		ns, key := st.Namespace, st.Key
		if ns == "" {
			ns = registry.DefaultNamespace
		}
		if key == "" {
			key = registry.DefaultKey
		}
		a.logger.Info("dynamic servers stored in sqlite", "path", st.Path, "driver", state.Driver())
		return registry.NewOpStateStore(state, ns, key), nil
	}
}

// startup connects every configured server. Servers that fail are
// recorded as failed; startup itself does not fail on them.
func (a *app) startup(ctx context.Context) {
	a.registry.InitializeAll(ctx)
}

// startMQTT launches the status publisher when configured. It runs until
// ctx is cancelled.
func (a *app) startMQTT(ctx context.Context) error {
	if !a.cfg.MQTT.Configured() {
		a.logger.Info("mqtt publishing disabled (not configured)")
		return nil
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mqtt instance id: %w", err)
	}
	a.mqttPub = mqtt.New(a.cfg.MQTT, instanceID, a.registry, a.logger)
	a.mqttPub.SetEvents(a.events)
	go func() {
		if err := a.mqttPub.Start(ctx); err != nil {
			a.logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	a.logger.Info("mqtt publishing enabled",
		"broker", a.cfg.MQTT.Broker,
		"device_name", a.cfg.MQTT.DeviceName,
		"interval", a.cfg.MQTT.PublishIntervalSec,
	)
	return nil
}

// shutdown stops the API server, publishes MQTT offline, disconnects
// every MCP server, stops the ledger, and closes the stores. All steps run; their errors
// are combined.
func (a *app) shutdown(ctx context.Context) error {
	var result *multierror.Error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if a.mqttPub != nil {
		if err := a.mqttPub.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("mqtt shutdown: %w", err))
		}
	}
	if err := a.registry.CleanupAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if a.health != nil {
		a.health.Stop()
	}
	a.stopUsage()
	if err := a.closeStore(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (a *app) closeStore() error {
	var errs []error
	if a.state != nil {
		errs = append(errs, a.state.Close())
		a.state = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
		a.usage = nil
	}
	return errors.Join(errs...)
}
