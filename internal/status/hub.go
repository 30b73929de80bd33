// Package status streams pipeline and order transitions to websocket
// subscribers, so an operations dashboard can follow corrections live
// without polling the database.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"liquidity-manager/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	clientSendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint is read-only status data behind the ops network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// PipelineMessage is the wire form of a pipeline transition.
type PipelineMessage struct {
	Kind               string                `json:"kind"`
	PipelineID         int64                 `json:"pipelineId"`
	RuleID             int64                 `json:"ruleId"`
	Type               domain.PipelineType   `json:"type"`
	Status             domain.PipelineStatus `json:"status"`
	CurrentActionIndex int                   `json:"currentActionIndex"`
	OrdersProcessed    int                   `json:"ordersProcessed"`
	MinAmount          float64               `json:"minAmount"`
	MaxAmount          float64               `json:"maxAmount"`
}

// OrderMessage is the wire form of an order transition.
type OrderMessage struct {
	Kind          string             `json:"kind"`
	OrderID       int64              `json:"orderId"`
	PipelineID    int64              `json:"pipelineId"`
	ActionIndex   int                `json:"actionIndex"`
	Status        domain.OrderStatus `json:"status"`
	CorrelationID string             `json:"correlationId"`
	Attempts      int                `json:"attempts"`
	Estimate      float64            `json:"estimate"`
	OutputAmount  *float64           `json:"outputAmount,omitempty"`
	ErrorMessage  *string            `json:"errorMessage,omitempty"`
}

// Hub fans transition messages out to all connected subscribers. It
// implements the engine's listener contract: both Changed methods enqueue
// and never block, dropping the message when the hub is saturated.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	mu sync.RWMutex
}

// NewHub creates a hub. Run must be started for it to make progress.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes registrations and broadcasts until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("clients", total).Msg("status subscriber connected")

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; disconnect rather than stall the hub.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// PipelineChanged implements the engine listener.
func (h *Hub) PipelineChanged(p *domain.Pipeline) {
	h.publish(PipelineMessage{
		Kind:               "pipeline",
		PipelineID:         p.ID,
		RuleID:             p.RuleID,
		Type:               p.Type,
		Status:             p.Status,
		CurrentActionIndex: p.CurrentActionIndex,
		OrdersProcessed:    p.OrdersProcessed,
		MinAmount:          p.MinAmount,
		MaxAmount:          p.MaxAmount,
	})
}

// OrderChanged implements the engine listener.
func (h *Hub) OrderChanged(o *domain.Order) {
	h.publish(OrderMessage{
		Kind:          "order",
		OrderID:       o.ID,
		PipelineID:    o.PipelineID,
		ActionIndex:   o.ActionIndex,
		Status:        o.Status,
		CorrelationID: o.CorrelationID,
		Attempts:      o.Attempts,
		Estimate:      o.EstimatedTargetAmount,
		OutputAmount:  o.OutputAmount,
		ErrorMessage:  o.ErrorMessage,
	})
}

func (h *Hub) publish(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("status message marshal failed")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("status broadcast buffer full, message dropped")
	}
}

// ServeHTTP upgrades the connection and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBufferSize),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// client is one websocket subscriber. The stream is one-way: incoming
// messages are discarded, the read pump exists only to notice disconnects
// and answer pings.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

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
