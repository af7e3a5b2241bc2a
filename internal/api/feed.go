package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
	feedSendBuffer = 64
)

// feedHub owns the set of live feed connections. A single goroutine handles
// registration and broadcasting, so the connection map needs no lock.
type feedHub struct {
	logger       *zap.Logger
	clients      map[*feedClient]bool
	broadcastCh  chan []byte
	registerCh   chan *feedClient
	unregisterCh chan *feedClient
	done         chan struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// The API is consumed by tooling on other origins; access is gated by the
// API key, not the origin.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newFeedHub(logger *zap.Logger) *feedHub {
	return &feedHub{
		logger:       logger,
		clients:      make(map[*feedClient]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedClient),
		unregisterCh: make(chan *feedClient),
		done:         make(chan struct{}),
	}
}

func (h *feedHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return

		case c := <-h.registerCh:
			h.clients[c] = true
			h.logger.Debug("feed client connected", zap.Int("clients", len(h.clients)))

		case c := <-h.unregisterCh:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug("feed client disconnected", zap.Int("clients", len(h.clients)))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("dropping slow feed client")
				}
			}
		}
	}
}

// broadcast queues msg for every client. The feed is best effort; a full
// queue drops the message.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleFeed upgrades to a websocket that receives every new audit record.
// GET /api/v1/feed
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}

	select {
	case s.hub.registerCh <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.hub)
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only detects disconnection; clients never send anything.
func (c *feedClient) readPump(h *feedHub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
