package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// safeConn serializes writes to a websocket connection. The event
// goroutine and the ping ticker both write.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// StreamEvents upgrades the connection and forwards session events until
// the client disconnects or the request context ends.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("websocket_upgrade_failed", "error", err, "remote", r.RemoteAddr)
		}
		return
	}
	conn := &safeConn{Conn: rawConn}
	defer conn.Close()

	if h.logger != nil {
		h.logger.Debug("event_subscriber_connected", "remote", r.RemoteAddr)
	}

	// Drain client frames so close and pong handling keep working. The
	// stream is one-way; inbound payloads are discarded.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := rawConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := h.sess.Feed().Subscribe(r.Context())
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.closeStream(conn, r.RemoteAddr, "feed_closed")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				if h.logger != nil {
					h.logger.Error("event_encode_failed", "error", err, "event_type", ev.Type)
				}
				continue
			}
			if err := conn.writeMessage(websocket.TextMessage, payload); err != nil {
				h.closeStream(conn, r.RemoteAddr, "write_failed")
				return
			}
		case <-ticker.C:
			if err := conn.writeMessage(websocket.PingMessage, nil); err != nil {
				h.closeStream(conn, r.RemoteAddr, "ping_failed")
				return
			}
		case <-readerDone:
			h.closeStream(conn, r.RemoteAddr, "client_closed")
			return
		case <-r.Context().Done():
			h.closeStream(conn, r.RemoteAddr, "request_done")
			return
		}
	}
}

func (h *Handler) closeStream(conn *safeConn, remote, reason string) {
	_ = conn.writeMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if h.logger != nil {
		h.logger.Debug("event_subscriber_disconnected", "remote", remote, "reason", reason)
	}
}
