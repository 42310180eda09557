package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
)

const wsWriteWait = 10 * time.Second

// wsHandler pushes a run snapshot whenever it changes and closes the socket
// after the terminal snapshot has been sent.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.lookup(w, r); !ok {
			return
		}
		id := r.PathValue("id")

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "run_id", id, "error", err)
			return
		}
		defer conn.Close()

		// the client never sends anything we use; reading surfaces its close
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket read error", "run_id", id, "error", err)
					}
					return
				}
			}
		}()

		ticker := time.NewTicker(s.streamInterval)
		defer ticker.Stop()
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()

		var lastDigest string
		for {
			run, err := s.orch.Get(r.Context(), id)
			if err != nil {
				s.writeClose(conn, websocket.CloseInternalServerErr, "run unavailable")
				return
			}
			sent, err := s.sendSnapshot(conn, run, lastDigest)
			if err != nil {
				s.logger.Debug("websocket write failed", "run_id", id, "error", err)
				return
			}
			lastDigest = sent
			if run.Terminal() {
				s.writeClose(conn, websocket.CloseNormalClosure, string(run.Status))
				return
			}

			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				conn.SetWriteDeadline(time.Time{})
				if err != nil {
					return
				}
			case <-ticker.C:
			}
		}
	}
}

// sendSnapshot writes run unless its encoding digests to last, and returns
// the digest of what the client now holds.
func (s *Server) sendSnapshot(conn *websocket.Conn, run domain.RunSession, last string) (string, error) {
	body, err := json.Marshal(newRunResponse(run))
	if err != nil {
		return last, err
	}
	digest := gitops.Digest(body)
	if digest == last {
		return last, nil
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	defer conn.SetWriteDeadline(time.Time{})
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return last, err
	}
	return digest, nil
}

func (s *Server) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
