package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamHandler upgrades to a websocket and streams every envelope
// published on bus as a JSON text message
func StreamHandler(bus *Bus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.Warnf("Websocket upgrade failed: %v", err)
			return
		}
		defer ws.Close()
		logrus.Debugf("Event stream connected from %s", r.RemoteAddr)

		ch, cancel := bus.Subscribe(128)
		defer cancel()

		// Reading is only needed to notice the client going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case env, ok := <-ch:
				if !ok {
					_ = ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				data, err := json.Marshal(env)
				if err != nil {
					logrus.Warnf("Failed to encode %s event: %v", env.Kind, err)
					continue
				}
				_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
