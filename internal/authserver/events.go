package authserver

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// hub fans session events out to the event streams of each session.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan models.SessionEvent]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan models.SessionEvent]struct{})}
}

// subscribe returns a channel receiving sessionID's events. The channel
// is closed by cancel or when the hub shuts down.
func (h *hub) subscribe(sessionID string) (<-chan models.SessionEvent, func()) {
	ch := make(chan models.SessionEvent, 4)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan models.SessionEvent]struct{})
	}

	h.subs[sessionID][ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if _, ok := h.subs[sessionID][ch]; ok {
			delete(h.subs[sessionID], ch)
			close(ch)

			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
}

// publish delivers ev to sessionID's streams. Slow streams drop events.
func (h *hub) publish(sessionID string, ev models.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}

		delete(h.subs, id)
	}
}

// handleEvents streams the caller's session events over a WebSocket. The
// stream ends after an event that revokes the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid := RequestSessionID(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("events: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	events, cancel := s.events.subscribe(sid)
	defer cancel()

	// CloseRead answers pings and reports when the client goes away.
	ctx := conn.CloseRead(r.Context())

	s.logger.Debug("events: stream opened", slog.String("session_id", sid))

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}

			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}

			if ev.Type == models.EventLogoutAll || ev.Type == models.EventSessionRevoked {
				conn.Close(websocket.StatusNormalClosure, "session revoked")
				return
			}
		}
	}
}
