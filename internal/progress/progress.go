// Package progress adapts the teacher's websocket monitor hub
// (internal/websocket/monitor.go's MonitorHub: register/unregister/
// broadcast channels, one goroutine owning the client map) into a
// ProgressEvent-carrying hub for C6 replication runs: per-action byte
// and action-count progress instead of generic monitoring alerts.
package progress

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind tags what stage of a run a ProgressEvent reports.
type EventKind string

const (
	EventPlanStarted   EventKind = "PLAN_STARTED"
	EventActionStarted EventKind = "ACTION_STARTED"
	EventActionBytes   EventKind = "ACTION_BYTES"
	EventActionDone    EventKind = "ACTION_DONE"
	EventRunDone       EventKind = "RUN_DONE"
	EventRunFailed     EventKind = "RUN_FAILED"
)

// ProgressEvent is one unit of replication progress, byte-weighted
// where applicable (spec §4.6: "progress... driven by an estimated
// byte size per action").
type ProgressEvent struct {
	Kind       EventKind `json:"kind"`
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"timestamp"`
	LocalFS    string    `json:"localfs,omitempty"`
	RemoteFS   string    `json:"remotefs,omitempty"`
	Snapshot   string    `json:"snapshot,omitempty"`
	ActionIdx  int       `json:"action_idx,omitempty"`
	ActionsTot int       `json:"actions_total,omitempty"`
	BytesDone  int64     `json:"bytes_done,omitempty"`
	BytesTotal int64     `json:"bytes_total,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Hub manages WebSocket connections subscribed to replication
// progress, one goroutine owning the client map exactly like
// MonitorHub's Run loop.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan ProgressEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
}

// NewHub returns a Hub; call Run in its own goroutine before use.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan ProgressEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's event loop; it blocks until the caller's
// process exits, same contract as MonitorHub.Run.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("progress: websocket write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Register subscribes conn to future events.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes conn.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Emit publishes event to all subscribers. Non-blocking: a full
// channel drops the event rather than stalling the replication run
// that produced it.
func (h *Hub) Emit(event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("progress: broadcast channel full, dropping %s for run %s", event.Kind, event.RunID)
	}
}
