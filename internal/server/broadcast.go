package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/events"
	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/pipeline"
)

// Hub owns the live subscriber set and fans applied batches out to it.
// Frames are serialized once per broadcast, not per subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	wg       sync.WaitGroup
	queueCap int
	events   *events.Publisher
	logger   zerolog.Logger
}

func NewHub(queueCap int, ev *events.Publisher, logger zerolog.Logger) *Hub {
	return &Hub{
		subs:     make(map[*Subscriber]struct{}),
		queueCap: queueCap,
		events:   ev,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a subscriber and starts its writer.
func (h *Hub) Register(s *Subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()

	monitoring.IncrementConnections()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()

	s.logger.Info().Int("total_connections", total).Msg("WebSocket client connected")
}

// Remove drops a subscriber and closes its connection. Safe to call from
// multiple teardown paths; only the first caller records the disconnect.
func (h *Hub) Remove(s *Subscriber, reason, initiatedBy string) {
	h.mu.Lock()
	_, present := h.subs[s]
	if present {
		delete(h.subs, s)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if !present {
		return
	}

	s.disconnect()
	monitoring.DecrementConnections()
	monitoring.RecordDisconnect(reason, initiatedBy)
	s.logger.Info().
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("session", time.Since(s.connectedAt)).
		Int("total_connections", total).
		Msg("WebSocket client disconnected")
}

// Count returns the live subscriber count.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// BroadcastBulkUpdate serializes one applied batch and delivers it to
// every subscriber and to the event bus. Called only by the flush loop,
// so subscribers observe batches in flush order.
func (h *Hub) BroadcastBulkUpdate(pixels []pipeline.PixelChange, hash string, ts time.Time) {
	frame := encodeBulkUpdate(pixels, hash, ts)
	h.events.PublishCanvasUpdate(frame)
	h.broadcast(frame)
	monitoring.IncrementBroadcasts()
}

// broadcast enqueues one frame to a snapshot of the subscriber set.
// Subscribers whose queues are full take a strike; three consecutive
// strikes evict them so one stalled reader cannot pin broadcast memory.
func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		if s.enqueue(frame) {
			continue
		}

		monitoring.RecordDroppedBroadcast("subscriber_queue_full")
		attempts := atomic.AddInt64(&s.sendAttempts, 1)
		monitoring.RecordSlowSubscriberAttempt(int(attempts))

		if atomic.CompareAndSwapInt32(&s.slowWarned, 0, 1) {
			s.logger.Warn().
				Int("queue_cap", h.queueCap).
				Msg("Subscriber too slow to consume broadcasts, dropping frames")
		}

		if attempts >= maxSendAttempts {
			monitoring.IncrementSlowSubscriberDisconnects()
			s.logger.Warn().
				Int64("failed_attempts", attempts).
				Msg("Evicting slow subscriber")
			s.closeWith(ws.StatusPolicyViolation, "Client too slow to process messages")
			h.Remove(s, monitoring.DisconnectReasonTooSlow, monitoring.DisconnectInitiatedByServer)
		}
	}
}

// Shutdown sends every subscriber a going-away frame, tears the set
// down, and joins the writer pumps.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		s.closeWith(ws.StatusGoingAway, "Server shutting down")
		h.Remove(s, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
	}
	h.wg.Wait()
}
