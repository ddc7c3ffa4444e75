package server

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/valpere/epubtran/internal"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// wsSubscriber writes progress messages to one WebSocket connection.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSubscriber) Send(msg internal.ProgressMessage) error {
	return w.writeJSON(msg)
}

func (w *wsSubscriber) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

// handleProgressSocket subscribes the connection to a job's progress until
// the client goes away. A text "ping" is answered with a pong message.
func (s *Server) handleProgressSocket(c *gin.Context) {
	jobID := c.Param("id")

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debugw("WebSocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sub := &wsSubscriber{conn: conn}
	s.subs.Subscribe(jobID, sub)
	defer s.subs.Unsubscribe(jobID, sub)
	s.logger.Debugw("Progress subscriber connected", "job_id", jobID)

	// Late subscribers start from the current state.
	if state, err := s.jobs.Get(jobID); err == nil {
		if err := sub.Send(state.Message(time.Now(), "", "", "")); err != nil {
			return
		}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debugw("Progress subscriber disconnected", "job_id", jobID, "error", err)
			return
		}
		if msgType != websocket.TextMessage || strings.TrimSpace(string(data)) != "ping" {
			continue
		}
		if err := sub.writeJSON(gin.H{"type": internal.MessageTypePong}); err != nil {
			return
		}
	}
}
