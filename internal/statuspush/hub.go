// Package statuspush broadcasts clone task state transitions to connected
// websocket clients. It is strictly read-only: nothing here can reach back
// into internal/clone to change a task's state, only observe it.
package statuspush

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cloud-shuttle/clonemgr/internal/task"
)

// Event is one pushed status update.
type Event struct {
	RepoID string `json:"repo_id"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// Hub fans a transition out to every connected client, dropping clients
// that fall behind rather than blocking the clone manager's event loop.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub returns a Hub. Call Run in its own goroutine before serving
// connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes register/unregister/broadcast forever. It takes no context
// and there is no Stop: the hub lives as long as the daemon process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			msg, err := json.Marshal(event)
			if err != nil {
				log.Printf("statuspush: marshaling event: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// OnTransition is suitable as a clone.Deps.OnTransition hook: it converts a
// task snapshot into an Event and broadcasts it. Never blocks the caller:
// if the broadcast buffer is full, the event is dropped.
func (h *Hub) OnTransition(t *task.Task) {
	select {
	case h.broadcast <- Event{RepoID: t.RepoID, State: string(t.State), Error: string(t.Error)}:
	default:
		log.Printf("statuspush: broadcast buffer full, dropping update for %s", t.RepoID)
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and streams status events
// to it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}
