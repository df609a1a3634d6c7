package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the server pings each client; two pings
	// without a pong and the connection is declared dead.
	wsPingInterval  = 20 * time.Second
	wsMaxPingsOwed  = 2
	wsWriteDeadline = 10 * time.Second

	// closeUnauthorized is the application close code for a bad token.
	closeUnauthorized = 4001
)

// handleTelemetryWS streams hub frames to one client. The token travels in
// the query string because browsers cannot set headers on WebSocket dials.
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	user, authErr := s.tokens.Verify(r.Context(), r.URL.Query().Get("token"))

	upgrader := websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the handshake error
	}
	defer conn.Close() //nolint:errcheck

	if authErr != nil {
		// The client only sees close codes after the upgrade, so complete
		// it and close immediately with the auth code.
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "Unauthorized"),
			time.Now().Add(wsWriteDeadline),
		)
		return
	}
	s.logger.Infow("telemetry client connected", "user", user.Username)

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub.ID)

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	// Reader goroutine: discards client messages, services control frames,
	// and reports the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	pingsOwed := 0
	for {
		select {
		case <-done:
			return
		case <-pongs:
			pingsOwed = 0
		case frame, ok := <-sub.C:
			if !ok {
				// Hub shut down; tell the client we are going away.
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away"),
					time.Now().Add(wsWriteDeadline),
				)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-pinger.C:
			if pingsOwed >= wsMaxPingsOwed {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "ping timeout"),
					time.Now().Add(wsWriteDeadline),
				)
				return
			}
			pingsOwed++
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		}
	}
}
