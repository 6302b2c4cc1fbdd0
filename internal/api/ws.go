package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const wsWriteTimeout = 10 * time.Second

// handleNotificationsWS streams notification events to a connected
// creator. Browsers cannot set Authorization headers on websocket
// upgrades, so the token rides in a query parameter here.
func handleNotificationsWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(deps.Token)) != 1 {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing token")
			return
		}
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		events, cancel := deps.Hub.Subscribe(userID)
		defer cancel()
		defer conn.Close()
		slog.Info("notification stream opened", "user_id", userID)

		// Reader goroutine: we never expect client frames, but reading is
		// what surfaces close and ping/pong handling.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				slog.Info("notification stream closed by client", "user_id", userID)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					slog.Warn("notification write failed", "user_id", userID, "error", err)
					return
				}
			}
		}
	}
}
