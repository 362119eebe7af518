package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Client pairs a live connection with the identity the Hub assigned it at
// registration. The ID is stable for the lifetime of the connection and
// survives reconnection logic built on top of Hub (it is not derived from
// any transport-level property such as remote address).
type Client struct {
	ID   uuid.UUID
	Conn *Conn
}

// Hub fans a single broadcast stream out to many connections, assigning
// each an opaque identity so callers can target or exclude individual
// clients without holding onto *Conn pointers directly (§4.7's Hub is a
// supplemented feature: RFC 6455 says nothing about fan-out, but every
// non-trivial server needs one).
type Hub struct {
	clients map[uuid.UUID]*Conn

	register   chan *Client
	unregister chan uuid.UUID
	broadcast  chan hubBroadcast

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu sync.RWMutex
}

type hubBroadcast struct {
	msgType MessageType
	data    []byte
	exclude uuid.UUID
	hasExcl bool
}

// NewHub creates a ready-to-use Hub. Call Run in a goroutine before
// registering clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Conn),
		register:   make(chan *Client),
		unregister: make(chan uuid.UUID),
		broadcast:  make(chan hubBroadcast, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the Hub's event loop until Close is called. It blocks and must
// be run in its own goroutine.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client.Conn
			h.mu.Unlock()

		case id := <-h.unregister:
			h.mu.Lock()
			if conn, ok := h.clients[id]; ok {
				delete(h.clients, id)
				_ = conn.Close()
			}
			h.mu.Unlock()

		case b := <-h.broadcast:
			h.mu.RLock()
			for id, conn := range h.clients {
				if b.hasExcl && id == b.exclude {
					continue
				}
				go func(id uuid.UUID, c *Conn) {
					if err := c.Write(b.msgType, b.data); err != nil {
						h.Unregister(id)
					}
				}(id, conn)
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Register adds conn to the Hub under a freshly generated identity and
// returns it. The caller is responsible for reading conn.Messages() (or
// calling conn.Read()) and unregistering once that stream ends.
func (h *Hub) Register(conn *Conn) uuid.UUID {
	id := uuid.New()

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return id
	}

	h.register <- &Client{ID: id, Conn: conn}
	return id
}

// Unregister removes the client with the given id, closing its connection.
// Safe to call multiple times or with an id that was never registered.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}

	h.unregister <- id
}

// Broadcast queues data for delivery to every currently registered client
// as a binary message. A client whose Write fails is unregistered.
func (h *Hub) Broadcast(data []byte) {
	h.sendBroadcast(hubBroadcast{msgType: BinaryMessage, data: data})
}

// BroadcastText is Broadcast for a text message.
func (h *Hub) BroadcastText(text string) {
	h.sendBroadcast(hubBroadcast{msgType: TextMessage, data: []byte(text)})
}

// BroadcastExcept behaves like Broadcast but skips the client identified by
// exclude — the common case of "echo to everyone but the sender".
func (h *Hub) BroadcastExcept(data []byte, exclude uuid.UUID) {
	h.sendBroadcast(hubBroadcast{msgType: BinaryMessage, data: data, exclude: exclude, hasExcl: true})
}

// BroadcastJSON marshals v and broadcasts it as a text message.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.sendBroadcast(hubBroadcast{msgType: TextMessage, data: data})
	return nil
}

func (h *Hub) sendBroadcast(b hubBroadcast) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}
	h.broadcast <- b
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the event loop, closes every registered connection, and
// releases the Hub's channels. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	for id, conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	return nil
}
