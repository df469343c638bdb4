package api

import (
	"net/http"
	"time"
)

// handleEvents streams the event bus to a WebSocket client until either
// side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "server_error", "event bus not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(128)
	defer s.bus.Unsubscribe(ch)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event feed client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}
