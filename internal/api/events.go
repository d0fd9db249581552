package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphub/internal/events"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// SetEvents enables the GET /v1/events WebSocket stream.
func (s *Server) SetEvents(bus *events.Bus) {
	s.events = bus
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// text frames until the client goes away. ?server=name limits the
// stream to one server's events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream not enabled"}, s.logger)
		return
	}

	up := upgrader
	if len(s.listen.CORSOrigins) > 0 {
		up.CheckOrigin = s.allowedOrigin
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	server := r.URL.Query().Get("server")
	ch := s.events.Subscribe(eventsBufferSize)
	defer s.events.Unsubscribe(ch)

	// The client sends nothing; reading only notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "server_filter", server)
	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if server != "" && e.Data["mcp_server"] != server {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// allowedOrigin applies the CORS origin list to WebSocket upgrades.
func (s *Server) allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.listen.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
