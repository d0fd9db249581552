package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/nugget/mcphub/internal/api"
	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/registry"
)

// runServe connects every configured server, starts the API server and
// optional MQTT publisher, and blocks until SIGINT or SIGTERM (or ctx
// cancellation). Shutdown drains the API, publishes MQTT offline, and
// disconnects every server.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configLogger(stdout, cfg)
	logger.Info("starting mcphub",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(cfg.MCPServers),
		"state_backend", cfg.State.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.startup(ctx)

	if err := a.startMQTT(ctx); err != nil {
		logger.Error("mqtt disabled", "error", err)
	}

	a.server = api.NewServer(cfg.Listen, a.registry, logger)
	a.server.SetEvents(a.events)
	if a.usage != nil {
		a.server.SetUsage(a.usage)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if serr := a.shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown incomplete", "error", serr)
	}

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("mcphub stopped")
	return nil
}

// withRegistry loads config, connects every server, runs fn, and tears
// everything down. Logs go to stderr so stdout carries only results.
func withRegistry(ctx context.Context, stderr io.Writer, opts options, fn func(*registry.Registry) error) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// One-shot commands only report health through their output.
	cfg.Health.Enabled = false

	a, err := newApp(ctx, cfg, configLogger(stderr, cfg))
	if err != nil {
		return err
	}
	a.startup(ctx)

	fnErr := fn(a.registry)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	return fnErr
}

// runStatus prints each server's connection state.
func runStatus(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	return withRegistry(ctx, stderr, opts, func(reg *registry.Registry) error {
		status := reg.Status()
		names := make([]string, 0, len(status))
		for name := range status {
			names = append(names, name)
		}
		sort.Strings(names)

		if opts.output == "json" {
			out := make([]registry.ServerStatus, 0, len(names))
			for _, name := range names {
				out = append(out, status[name])
			}
			return writeJSON(stdout, map[string]any{"servers": out})
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tSTATUS\tTOOLS\tDETAIL")
		for _, name := range names {
			st := status[name]
			detail := st.Error
			if st.Server != nil {
				detail = st.Server.Name + " " + st.Server.Version
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, st.Kind, st.Status, st.Tools, detail)
		}
		return tw.Flush()
	})
}

// runTools lists the tools of every running server, or of one server.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options, server string) error {
	return withRegistry(ctx, stderr, opts, func(reg *registry.Registry) error {
		if server != "" {
			if _, ok := reg.ServerStatus(server); !ok {
				return fmt.Errorf("%w: %q", registry.ErrUnknownServer, server)
			}
		}

		tools := []mcp.ToolDescriptor{}
		for _, td := range reg.Tools() {
			if server == "" || td.Source == server {
				tools = append(tools, td)
			}
		}

		if opts.output == "json" {
			return writeJSON(stdout, map[string]any{"tools": tools})
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tTOOL\tDESCRIPTION")
		for _, td := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", td.Source, td.Name, firstLine(td.Description))
		}
		return tw.Flush()
	})
}

// runCall invokes one tool and prints its text result.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, server, tool, argsJSON string) error {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	return withRegistry(ctx, stderr, opts, func(reg *registry.Registry) error {
		result, err := reg.CallTool(ctx, server, tool, args)
		if err != nil {
			if opts.output == "json" {
				if werr := writeJSON(stdout, mcp.ErrorPayload(err)); werr != nil {
					return werr
				}
			}
			return err
		}

		if opts.output == "json" {
			return writeJSON(stdout, api.ToolCallResponse{Server: server, Tool: tool, Result: result})
		}
		_, err = fmt.Fprintln(stdout, result)
		return err
	})
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
