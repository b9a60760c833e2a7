package transport

import (
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"project-feed/internal/hub"
)

// wsConn is one observer socket. Frames queue in the embedded buffer and are
// written by writePump so the hub never waits on the network.
type wsConn struct {
	*hub.BufferedConn
	conn *websocket.Conn
	opts Options
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(s.opts.AllowedOrigins) > 0 {
		allowed := s.opts.AllowedOrigins
		u.CheckOrigin = func(r *http.Request) bool {
			if slices.Contains(allowed, "*") {
				return true
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		}
	}
	return u
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &wsConn{
		BufferedConn: hub.NewBufferedConn(uuid.NewString(), s.opts.SendBuffer),
		conn:         conn,
		opts:         s.opts,
	}
	s.hub.Join(c)

	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards client messages and detects disconnects
func (s *Server) readPump(c *wsConn) {
	defer s.hub.Leave(c.ID())

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debugf("Observer %s read error: %v", c.ID(), err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		s.hub.Leave(c.ID())
	}()

	frames := c.Frames()
	for {
		select {
		case frame, ok := <-frames:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugf("Observer %s write error: %v", c.ID(), err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
