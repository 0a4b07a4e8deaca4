package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/broadcast"
	"github.com/newswire/scrapequeue/internal/metrics"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream carries no client-specific state; cross-origin dashboards
	// are expected consumers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsAllJobs streams every job's updates to the client.
func (s *Server) wsAllJobs(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, "")
}

// wsJob streams one job's updates to the client.
func (s *Server) wsJob(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, chi.URLParam(r, "job_id"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	metrics.IncWSConnections()
	defer metrics.DecWSConnections()

	var sub *broadcast.Subscriber
	if jobID == "" {
		sub = s.broadcaster.SubscribeAll()
	} else {
		sub = s.broadcaster.SubscribeJob(jobID)
	}
	defer s.broadcaster.Unsubscribe(sub)
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug("websocket close failed", zap.Error(closeErr))
		}
	}()

	// The read pump only exists to notice disconnects and answer
	// application-level pings.
	done := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		for {
			msgType, payload, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			if msgType == websocket.TextMessage && string(payload) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	interval := s.cfg.WSHeartbeat()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-pings:
			if err := s.writeWS(conn, websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.writeWSJSON(conn, map[string]string{"type": "heartbeat"}); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.writeWSJSON(conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWSJSON(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func (s *Server) writeWS(conn *websocket.Conn, msgType int, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(msgType, payload)
}
