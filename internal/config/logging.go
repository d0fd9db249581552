package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/mcphub/internal/mcp"
)

// LevelTrace logs every JSON-RPC frame the transports send or receive.
const LevelTrace = mcp.LevelTrace

// levelNames maps accepted log_level values to slog levels. The empty
// string selects info.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level value (trace, debug, info, warn, error;
// case and surrounding space ignored) to an [slog.Level]. Unknown values
// return info together with an error.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames renders [LevelTrace] as TRACE. Use it as
// [slog.HandlerOptions.ReplaceAttr]; slog would otherwise print DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}
