// Package events carries job status transitions from the engine to live
// subscribers: the engine publishes a JobEvent on the bus for every
// transition, and the hub fans the stream out to websocket clients.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/model"
)

// JobEvent is one job status transition.
type JobEvent struct {
	JobID      string          `json:"job_id"`
	FlowID     string          `json:"flow_id"`
	PipelineID string          `json:"pipeline_id"`
	Status     model.JobStatus `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Compound   string          `json:"compound_status"`
	At         time.Time       `json:"at"`
}

// Publish sends a job's current status onto the event subject.
func Publish(b bus.Bus, sender string, j *model.Job) {
	if b == nil || j == nil {
		return
	}
	env, err := bus.NewEnvelope(sender, "job_event", &JobEvent{
		JobID:      j.ID,
		FlowID:     j.FlowID,
		PipelineID: j.PipelineID,
		Status:     j.Status,
		Reason:     j.Reason,
		Compound:   j.CompoundStatus(),
		At:         time.Now().UTC(),
	})
	if err != nil {
		logging.Error("events", "encode job event failed", "job_id", j.ID, "error", err)
		return
	}
	if err := b.Publish(bus.SubjectJobEvents, env); err != nil {
		logging.Error("events", "publish job event failed", "job_id", j.ID, "error", err)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus job events out to websocket clients. A client whose buffer
// is full is evicted rather than allowed to stall the broadcast loop.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan *JobEvent
	eventsCh  chan *JobEvent
}

// NewHub returns a hub; call Start to begin broadcasting.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*websocket.Conn]chan *JobEvent),
		eventsCh: make(chan *JobEvent, 512),
	}
}

// Start taps the bus event subject and runs the broadcast loop.
func (h *Hub) Start(b bus.Bus) error {
	if err := b.Subscribe(bus.SubjectJobEvents, "", func(env *bus.Envelope) {
		var evt JobEvent
		if err := env.Decode(&evt); err != nil {
			logging.Error("events", "decode job event failed", "error", err)
			return
		}
		h.Broadcast(&evt)
	}); err != nil {
		return err
	}
	go h.run()
	return nil
}

// Broadcast enqueues an event for fan-out; the hub drops events when its
// own buffer is full rather than blocking the publisher.
func (h *Hub) Broadcast(evt *JobEvent) {
	select {
	case h.eventsCh <- evt:
	default:
	}
}

func (h *Hub) run() {
	for evt := range h.eventsCh {
		var slow []*websocket.Conn
		h.clientsMu.RLock()
		for conn, ch := range h.clients {
			select {
			case ch <- evt:
			default:
				slow = append(slow, conn)
			}
		}
		h.clientsMu.RUnlock()

		if len(slow) > 0 {
			for _, conn := range slow {
				h.drop(conn)
			}
			logging.Warn("events", "evicted slow ws clients", "count", len(slow))
		}
	}
}

// drop removes a client and closes its channel so the writer goroutine
// terminates. Safe to call more than once per client; only the first call
// finds the channel to close.
func (h *Hub) drop(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.clientsMu.Unlock()
	_ = conn.Close()
}

// ServeHTTP upgrades the request and streams job events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("events", "ws upgrade failed", "error", err)
		return
	}
	ch := make(chan *JobEvent, 64)
	h.clientsMu.Lock()
	h.clients[conn] = ch
	h.clientsMu.Unlock()

	go func() {
		defer h.drop(conn)
		for evt := range ch {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}()

	// Reader loop: nothing inbound is expected, but reading detects closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
