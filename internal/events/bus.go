// Package events fans out server lifecycle and tool call events from
// the registry and health monitor to the WebSocket stream, the MQTT
// publisher and the usage ledger. A nil *Bus accepts and discards
// events.
package events

import (
	"sync"
	"time"
)

const (
	SourceRegistry = "registry"
	SourceHealth   = "health"
)

// Event kinds. The comment after each lists its Data keys.
const (
	KindServerRunning = "server_running" // mcp_server, server, tools
	KindServerFailed  = "server_failed"  // mcp_server, error
	KindServerAdded   = "server_added"   // mcp_server, kind
	KindServerRemoved = "server_removed" // mcp_server

	KindToolCall = "tool_call" // mcp_server, tool
	KindToolDone = "tool_done" // mcp_server, tool, ok, duration_ms, error

	KindHealthy   = "healthy"   // mcp_server
	KindUnhealthy = "unhealthy" // mcp_server, error
)

type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps the event with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus broadcasts to buffered subscriber channels. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive side handed to the subscriber.
	subs map[<-chan Event]chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a channel with bufSize slots. Release it with
// Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or already released channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
