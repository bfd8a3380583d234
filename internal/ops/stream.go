package ops

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const pongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The ops listener binds to operator networks, not the public
		// internet. Origin checks stay out of its way.
		return true
	},
}

// handleEvents upgrades to WebSocket and registers with the hub. The
// hub owns all writes including pings; this handler only drains reads
// to detect disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}
