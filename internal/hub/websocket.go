package hub

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("viewer not keeping up")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are served from other origins
	},
}

// wsConn is a websocket viewer. Snapshots are queued and written by a single
// goroutine, so each viewer receives events in publish order.
type wsConn struct {
	conn      *websocket.Conn
	send      chan models.Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan models.Snapshot, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send implements Connection.
func (c *wsConn) Send(snap models.Snapshot) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- snap:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close implements Connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case snap := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(snap); err != nil {
				h.logger.Debug().Err(err).Msg("viewer write failed")
				h.Deregister(c)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Deregister(c)
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

func (c *wsConn) readPump(h *Hub) {
	defer func() {
		h.Deregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Viewers only listen; inbound messages just keep the connection alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// ServeWS upgrades the request to a websocket and registers it as a viewer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(conn)
	go c.writePump(h)

	if err := h.Register(c); err != nil {
		c.Close()
		return
	}
	h.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("viewers", h.Connections()).
		Msg("viewer connected")

	c.readPump(h)
	h.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("viewer disconnected")
}
