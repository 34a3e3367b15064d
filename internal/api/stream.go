package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream pushes a snapshot over a websocket after every state change
// of the session. The stream ends when the session is closed.
func (s *Server) handleStream(c *gin.Context) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := ctrl.Subscribe()
	defer cancel()

	entry := s.logger.WithFields(logrus.Fields{
		"session_id":     ctrl.ID(),
		"correlation_id": c.GetString("correlation_id"),
	})
	entry.Debug("Snapshot stream opened")

	// The client never sends data; reading only services control frames
	// and notices the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				entry.Debug("Snapshot stream closed by session")
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				entry.WithError(err).Debug("Snapshot stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			entry.Debug("Snapshot stream closed by client")
			return
		}
	}
}

// handleEvents is the server-sent events rendition of handleStream for
// clients that cannot open a websocket.
func (s *Server) handleEvents(c *gin.Context) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}

	updates, cancel := ctrl.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return !snap.Phase.IsTerminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}
