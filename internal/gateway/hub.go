package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// subscriber serializes writes to one connection; gorilla allows a single
// concurrent writer.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) send(ev domain.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub fans worker progress events out to the WebSocket clients watching a
// judge job.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

func (h *Hub) register(jobID string, conn *websocket.Conn) *subscriber {
	s := &subscriber{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][s] = struct{}{}
	return s
}

func (h *Hub) unregister(jobID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[jobID], s)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Watchers counts the clients watching jobID.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Dispatch forwards ev to everyone watching its job.
func (h *Hub) Dispatch(ev domain.JobEvent) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs[ev.JudgeJobID]))
	for s := range h.subs[ev.JudgeJobID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(ev); err != nil {
			h.logger.Warn("Failed to write to websocket", "jobID", ev.JudgeJobID, "error", err)
			s.conn.Close()
		}
	}
}

// Run consumes raw events until the channel closes or ctx is done.
func (h *Hub) Run(ctx context.Context, events <-chan []byte) {
	h.logger.Info("Starting event broadcaster")
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				h.logger.Warn("Event stream closed")
				return
			}
			var ev domain.JobEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Debug("Skipping malformed event", "error", err)
				continue
			}
			h.Dispatch(ev)
		}
	}
}
