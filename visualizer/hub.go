package main

import (
	"context"
)

// Event is what dashboards receive for every observed bus message.
type Event struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Client is a connected dashboard. *websocket.Conn satisfies it.
type Client interface {
	WriteJSON(v any) error
	Close() error
}

type Hub struct {
	clients    map[Client]bool
	broadcast  chan Event
	register   chan Client
	unregister chan Client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Event, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
		done:       make(chan struct{}),
	}
}

// Broadcast queues event for every client. It drops the event once the hub
// has stopped.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run owns the client set until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}
