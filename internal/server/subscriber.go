package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/monitoring"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 5 * time.Second

	// pongWait bounds the wait for any traffic from the peer.
	pongWait = 30 * time.Second

	// pingPeriod is how often we ping. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxSendAttempts is how many consecutive broadcasts may find a
	// subscriber's queue full before it is evicted.
	maxSendAttempts = 3
)

// Subscriber is one connected WebSocket client: the raw connection, its
// bounded outbound queue, and the slow-consumer bookkeeping.
type Subscriber struct {
	id   string
	conn net.Conn
	send chan []byte
	done chan struct{}

	ip          string
	connectedAt time.Time
	logger      zerolog.Logger

	closeOnce sync.Once

	// sendAttempts counts consecutive failed enqueues; any successful
	// enqueue resets it. slowWarned dedupes the first-failure warning.
	sendAttempts int64
	slowWarned   int32
}

func newSubscriber(conn net.Conn, ip string, queueCap int, logger zerolog.Logger) *Subscriber {
	id := uuid.NewString()
	return &Subscriber{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, queueCap),
		done:        make(chan struct{}),
		ip:          ip,
		connectedAt: time.Now(),
		logger:      logger.With().Str("client_id", id).Str("ip", ip).Logger(),
	}
}

// enqueue offers a frame to the writer without blocking. A full queue
// returns false; strike accounting is the caller's job.
func (s *Subscriber) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		atomic.StoreInt64(&s.sendAttempts, 0)
		return true
	default:
		return false
	}
}

// RejectPixel delivers a positioned pixel:reject to this client only.
// Delivery is best-effort: a full queue drops the frame rather than
// stall the pipeline.
func (s *Subscriber) RejectPixel(x, y int, reason string) {
	if !s.enqueue(encodeRejectAt(x, y, reason, time.Now())) {
		monitoring.RecordDroppedBroadcast("reject_queue_full")
	}
}

// sendReject delivers an unpositioned pixel:reject (validation and rate
// limit denials, where no trustworthy coordinates exist).
func (s *Subscriber) sendReject(reason string) {
	if !s.enqueue(encodeReject(reason, time.Now())) {
		monitoring.RecordDroppedBroadcast("reject_queue_full")
	}
}

// closeWith tears the connection down exactly once, preceded by a
// best-effort close frame when a status code is given.
func (s *Subscriber) closeWith(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if code != 0 {
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(code, reason)
			_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
		}
		_ = s.conn.Close()
	})
}

// disconnect closes without a close frame, for transports already dead.
func (s *Subscriber) disconnect() {
	s.closeWith(0, "")
}
