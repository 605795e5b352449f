package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/pipeline"
)

// readPump is the per-connection ingress loop: it owns all reads from
// the socket and feeds pixel updates into the pipeline.
func (sv *Server) readPump(sub *Subscriber) {
	// Panic recovery must be the first defer so it also covers cleanup.
	defer monitoring.RecoverPanic(sv.logger, "read_pump", map[string]any{
		"client_id": sub.id,
	})

	reason := monitoring.DisconnectReasonReadError
	initiatedBy := monitoring.DisconnectInitiatedByClient
	defer func() {
		sv.hub.Remove(sub, reason, initiatedBy)
	}()

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(sub.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				reason = monitoring.DisconnectReasonClientInitiated
			}
			return
		}

		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		if op != ws.OpText {
			continue
		}
		sv.dispatch(sub, msg)
	}
}

// dispatch routes one text frame. Unknown types are dropped so older
// servers tolerate newer clients.
func (sv *Server) dispatch(sub *Subscriber, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		monitoring.RecordEditReject(monitoring.RejectReasonInvalid)
		sub.sendReject(pipeline.RejectInvalid)
		return
	}

	switch frame.Type {
	case msgPixelUpdate:
		sv.handlePixelUpdate(sub, frame.Data)
	case msgHeartbeat:
		sub.enqueue(encodeHeartbeatAck(time.Now()))
	default:
		sv.logger.Debug().Str("type", frame.Type).Msg("Ignoring unknown frame type")
	}
}

// handlePixelUpdate runs the ingress gauntlet for one edit: structural
// validation, rate limiting, then the advisory lock check. Order
// matters: malformed frames must not spend rate-limit budget.
func (sv *Server) handlePixelUpdate(sub *Subscriber, data json.RawMessage) {
	var payload pipeline.UpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		monitoring.RecordEditReject(monitoring.RejectReasonInvalid)
		sub.sendReject(pipeline.RejectInvalid)
		return
	}

	edit, err := pipeline.ParseEdit(payload, sv.cfg.CanvasWidth, sv.cfg.CanvasHeight)
	if err != nil {
		monitoring.RecordEditReject(monitoring.RejectReasonInvalid)
		sub.sendReject(pipeline.RejectInvalid)
		sv.logger.Debug().Err(err).Str("client_id", sub.id).Msg("Rejected invalid pixel update")
		return
	}
	edit.IP = sub.ip
	edit.Origin = sub

	ctx := context.Background()
	if ok, denyMsg := sv.limiter.Check(ctx, edit.UserID); !ok {
		monitoring.RecordEditReject(monitoring.RejectReasonRateLimited)
		sub.sendReject(denyMsg)
		return
	}

	// Advisory check; the applier re-checks at apply time.
	if _, locked := sv.locks.Contains(ctx, edit.X, edit.Y); locked {
		monitoring.RecordEditReject(monitoring.RejectReasonPositionLocked)
		sub.RejectPixel(edit.X, edit.Y, pipeline.RejectLocked)
		return
	}

	if err := sv.batcher.Submit(edit); err != nil {
		sub.RejectPixel(edit.X, edit.Y, pipeline.RejectOverloaded)
	}
}
