package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/madkind/pixels/internal/monitoring"
)

// writePump drains the subscriber's queue onto the socket in FIFO order.
// This is a hot path: messages already queued behind the first one are
// written through a buffered writer and flushed in one syscall.
func (s *Subscriber) writePump() {
	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.disconnect()
	}()

	for {
		select {
		case <-s.done:
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}
			monitoring.UpdateMessageMetrics(1, 0)
			monitoring.UpdateBytesMetrics(int64(len(message)), 0)

			// Batch whatever else is already queued.
			n := len(s.send)
			for i := 0; i < n; i++ {
				message = <-s.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to write message")
					return
				}
				monitoring.UpdateMessageMetrics(1, 0)
				monitoring.UpdateBytesMetrics(int64(len(message)), 0)
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}
