// Package server is the network surface: the WebSocket ingress loop and
// fan-out hub, plus the HTTP API around them.
package server

import (
	"encoding/json"
	"time"

	"github.com/madkind/pixels/internal/pipeline"
)

// Frame types accepted from clients.
const (
	msgPixelUpdate = "pixel:update"
	msgHeartbeat   = "heartbeat"
)

// Frame types sent to clients.
const (
	msgHeartbeatAck = "heartbeat:ack"
	msgPixelReject  = "pixel:reject"
	msgBulkUpdate   = "pixel:bulk_update"
)

// inboundFrame is the envelope on every client frame. Data stays raw
// until the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type bulkUpdateFrame struct {
	Type      string         `json:"type"`
	Data      bulkUpdateData `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type bulkUpdateData struct {
	Pixels []pipeline.PixelChange `json:"pixels"`
	Hash   string                 `json:"hash"`
}

type rejectFrame struct {
	Type string     `json:"type"`
	Data rejectData `json:"data"`
}

type rejectData struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
	X         *int   `json:"x,omitempty"`
	Y         *int   `json:"y,omitempty"`
}

type heartbeatAckFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// wireTime renders timestamps the way every outbound frame carries them.
func wireTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func encodeBulkUpdate(pixels []pipeline.PixelChange, hash string, ts time.Time) []byte {
	b, _ := json.Marshal(bulkUpdateFrame{
		Type:      msgBulkUpdate,
		Data:      bulkUpdateData{Pixels: pixels, Hash: hash},
		Timestamp: wireTime(ts),
	})
	return b
}

func encodeReject(reason string, ts time.Time) []byte {
	b, _ := json.Marshal(rejectFrame{
		Type: msgPixelReject,
		Data: rejectData{Reason: reason, Timestamp: wireTime(ts)},
	})
	return b
}

// encodeRejectAt is the positioned variant used when the offending pixel
// is known (lock hits, overload, persist failures).
func encodeRejectAt(x, y int, reason string, ts time.Time) []byte {
	b, _ := json.Marshal(rejectFrame{
		Type: msgPixelReject,
		Data: rejectData{Reason: reason, Timestamp: wireTime(ts), X: &x, Y: &y},
	})
	return b
}

func encodeHeartbeatAck(ts time.Time) []byte {
	b, _ := json.Marshal(heartbeatAckFrame{
		Type:      msgHeartbeatAck,
		Timestamp: wireTime(ts),
	})
	return b
}
