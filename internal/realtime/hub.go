package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"zapcrm/internal/ingest"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Webhook receivers sit behind a reverse proxy; the proxy enforces origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type envelope struct {
	tenantID int64
	data     []byte
}

// Hub fans chat activity out to websocket clients, scoped per tenant. It also
// satisfies ingest.Publisher so the ingestion service can treat it like any
// other notification sink.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan envelope
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, 64),
	}
}

// Run owns the client set. Call it once in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			log.Debug().Int64("tenantID", c.tenantID).Msg("Websocket client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				log.Debug().Int64("tenantID", c.tenantID).Msg("Websocket client disconnected")
			}
		case env := <-h.broadcast:
			for c := range h.clients {
				if c.tenantID != env.tenantID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow consumer; drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) PublishActivity(_ context.Context, activity ingest.ChatActivity) error {
	data, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- envelope{tenantID: activity.TenantID, data: data}:
	default:
		log.Warn().Int64("chatID", activity.ChatID).Msg("Websocket broadcast buffer full, dropping activity")
	}
	return nil
}

// ServeWS upgrades one HTTP request to a websocket subscription. The tenant
// scope comes from the tenant_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		http.Error(w, "missing or invalid tenant_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 16), tenantID: tenantID}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	tenantID int64
}

// readPump drains the connection so pings and close frames are processed.
// Clients never send application data.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
