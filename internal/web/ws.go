package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FixStreamHandler upgrades to a websocket and sends every fix as a JSON
// text message until the client goes away.
func FixStreamHandler(fixes *FixBroadcaster, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fixes == nil {
			http.Error(w, "fix stream unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("ws upgrade failed remote=%s: %v", r.RemoteAddr, err)
			return
		}
		defer conn.Close()

		id, ch := fixes.Subscribe(16)
		logger.Printf("ws client connected remote=%s subscribers=%d", r.RemoteAddr, fixes.Subscribers())

		// Reads only detect the close; incoming messages are ignored.
		go func() {
			defer fixes.Unsubscribe(id)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for rec := range ch {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				fixes.Unsubscribe(id)
				break
			}
		}
		logger.Printf("ws client disconnected remote=%s", r.RemoteAddr)
	})
}
