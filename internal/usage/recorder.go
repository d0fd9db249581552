package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/mcphub/internal/events"
)

// recorderBuffer is the bus subscription size. Events beyond it are
// dropped by the bus, so bursts larger than this go unrecorded.
const recorderBuffer = 256

// Recorder writes completed tool calls from the event bus into a Store.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder for store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Subscribe registers with bus and returns the function that drains the
// subscription into the store until ctx is done. Subscribing first means
// no event published after Subscribe returns is missed.
func (r *Recorder) Subscribe(bus *events.Bus) func(ctx context.Context) {
	ch := bus.Subscribe(recorderBuffer)
	return func(ctx context.Context) {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				rec, ok := FromEvent(e)
				if !ok {
					continue
				}
				if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
					r.logger.Warn("failed to record tool call",
						"mcp_server", rec.Server,
						"tool", rec.Tool,
						"error", err,
					)
				}
			}
		}
	}
}

// FromEvent converts a tool_done event into a Record.
func FromEvent(e events.Event) (Record, bool) {
	if e.Kind != events.KindToolDone {
		return Record{}, false
	}
	rec := Record{Timestamp: e.Timestamp}
	rec.Server, _ = e.Data["mcp_server"].(string)
	rec.Tool, _ = e.Data["tool"].(string)
	rec.OK, _ = e.Data["ok"].(bool)
	rec.Error, _ = e.Data["error"].(string)
	switch d := e.Data["duration_ms"].(type) {
	case int64:
		rec.DurationMS = d
	case int:
		rec.DurationMS = int64(d)
	case float64:
		rec.DurationMS = int64(d)
	}
	if rec.Server == "" || rec.Tool == "" {
		return Record{}, false
	}
	return rec, true
}
