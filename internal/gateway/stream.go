package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the frame pushed to /ws subscribers: the bus topic plus the
// event payload, stamped at send time.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// handleWS upgrades to a WebSocket and relays bus events to the client.
// The optional `topics` query parameter narrows the stream to one topic
// prefix (e.g. topics=task. or topics=progress.); default is everything.
// The stream is fire-and-forget: a slow client misses events rather than
// backpressuring the queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		jsonError(w, http.StatusServiceUnavailable, "event stream unavailable: bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.log.Info("ws: client connected", "topics", prefix)
	defer s.log.Info("ws: client disconnected", "topics", prefix)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away; the relay never expects client messages.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				SentAt:  time.Now().UTC(),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.log.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
