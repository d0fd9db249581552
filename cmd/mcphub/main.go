// mcphub connects to a set of MCP servers and exposes their tools.
//
// Servers are reached over stdio (a spawned subprocess) or streamable
// HTTP. The serve command keeps every configured server connected and
// serves a small HTTP API for status, tool listing, tool calls, and
// adding or removing servers at runtime. The other commands connect,
// do one thing, and disconnect. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphub serve                           Connect all servers and start the API
//	mcphub status                          Show each server's connection state
//	mcphub tools [server]                  List tools across running servers
//	mcphub call <server> <tool> [json]     Invoke one tool
//	mcphub init [dir]                      Write a starter config.yaml
//	mcphub version                         Print version and build information
//	mcphub -o json status                  Any output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// that the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point for the mcphub command. Logs go to
// stderr for the one-shot commands so stdout carries only results; the
// serve command logs to stdout.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "status":
		return runStatus(ctx, stdout, stderr, opts)
	case "tools":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, opts, server)
	case "call":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return fmt.Errorf("usage: mcphub call <server> <tool> [json-args]")
		}
		argsJSON := ""
		if len(cmdArgs) == 3 {
			argsJSON = cmdArgs[2]
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1], argsJSON)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphub - MCP server hub")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Connect all servers and start the API")
	fmt.Fprintln(w, "  status                       Show each server's connection state")
	fmt.Fprintln(w, "  tools [server]               List tools across running servers")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  init [dir]                   Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configLogger returns a logger at the configured level and format.
func configLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// ParseLogLevel is already validated by config.Validate().
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. A .env
// file next to the config, then one in the working directory, is
// loaded first so that both ${VAR} expansion in the file and
// ${input:name} placeholders in server entries can see it. Variables
// already set in the environment win.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	for _, envPath := range dotenvPaths(cfgPath) {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, cfgPath, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func dotenvPaths(cfgPath string) []string {
	paths := []string{filepath.Join(filepath.Dir(cfgPath), ".env")}
	if abs, err := filepath.Abs(paths[0]); err == nil {
		if cwd, err := filepath.Abs(".env"); err == nil && cwd != abs {
			paths = append(paths, ".env")
		}
	}
	return paths
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
