package ops

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxEventConnections = 100
	snapshotInterval    = 5 * time.Second
	pingInterval        = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

// EventHub fans cluster events and periodic status snapshots out to
// WebSocket clients. Single broadcaster pattern keeps one writer for
// the whole connection set.
type EventHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan map[string]any
	done       chan struct{}
	snapshot   func(ctx context.Context) any
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewEventHub creates a hub. snapshot may be nil when there is no
// cluster state to broadcast.
func NewEventHub(snapshot func(ctx context.Context) any, log zerolog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan map[string]any, 64),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		log:        log,
	}
}

// Run drives the hub until ctx is cancelled. All connection writes
// happen here, keeping gorilla's single-writer rule.
func (h *EventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxEventConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxEventConnections).Msg("websocket connection rejected: cap reached")
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client unregistered")

		case ev := <-h.events:
			h.send(ev)

		case <-ticker.C:
			if h.snapshot == nil {
				continue
			}
			h.send(map[string]any{
				"type":   "status_snapshot",
				"status": h.snapshot(ctx),
			})

		case <-pinger.C:
			h.ping()
		}
	}
}

// ping probes every client so dead connections fail their next read
// deadline instead of lingering.
func (h *EventHub) ping() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			go h.Unregister(conn)
		}
	}
}

// Broadcast queues an event for delivery. Never blocks: when the feed
// is backlogged the event is dropped, clients catch up from snapshots.
func (h *EventHub) Broadcast(event map[string]any) {
	select {
	case h.events <- event:
	default:
		h.log.Debug().Msg("event feed backlogged, dropping event")
	}
}

// send writes one payload to every client. Write deadlines keep dead
// connections from stalling the loop.
func (h *EventHub) send(payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			h.log.Debug().Err(err).Msg("websocket write failed")
			// Unregister from a goroutine, the hub loop owns the map.
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a client connection. After shutdown the connection is
// closed instead, so late handlers never block.
func (h *EventHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
