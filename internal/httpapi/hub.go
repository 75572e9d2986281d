// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package httpapi

import (
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is pushed to websocket clients
type Event struct {
	Type      string `json:"type"`
	LineID    string `json:"line_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Direction string `json:"direction,omitempty"`
}

const (
	EventRegistration = "registration_state"
	EventCallState    = "call_state"
	EventIncomingCall = "incoming_call"
)

type wsClient struct {
	id   uint64
	conn *websocket.Conn
	send chan Event
}

func (c *wsClient) writeLoop(log zerolog.Logger) {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Uint64("client_id", c.id).Msg("Websocket write failed")
			return
		}
	}
}

// Hub fans out events to websocket clients. Slow clients are dropped.
type Hub struct {
	log        zerolog.Logger
	clients    map[*wsClient]bool
	broadcast  chan Event
	register   chan *wsClient
	unregister chan *wsClient
	quit       chan struct{}
	nextID     atomic.Uint64
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.log.Info().Uint64("client_id", c.id).Msg("Client registered")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Info().Uint64("client_id", c.id).Msg("Client unregistered")
			}

		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					h.log.Warn().Uint64("client_id", c.id).Msg("Client too slow, dropping")
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast never blocks caller. Event is dropped if hub is congested.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn().Str("type", ev.Type).Msg("Broadcast channel full, dropping event")
	}
}

func (h *Hub) newClient(conn *websocket.Conn) *wsClient {
	return &wsClient{id: h.nextID.Add(1), conn: conn, send: make(chan Event, 16)}
}

func (h *Hub) Register(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) Unregister(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
