package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/telefile/telefile/internal/events"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
	eventReadTimeout  = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // token auth, not cookies
	},
}

// handleEvents streams the caller's upload and lifecycle events as JSON text
// messages until either side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := userID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("user_id", owner).Msg("events websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.cfg.Events.Subscribe(owner)
	defer s.cfg.Events.Unsubscribe(sub)

	// The read loop only services control frames and notices the close.
	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
	})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Str("user_id", owner).Msg("events websocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.Debug().Err(err).Str("user_id", owner).Msg("events websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	data, err := events.MarshalEvent(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
