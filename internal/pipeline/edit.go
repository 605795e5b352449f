// Package pipeline carries validated pixel edits from ingress to the
// single canvas writer: a coalescing batcher on a fixed flush tick and
// an applier that mutates, hashes, persists, and broadcasts.
package pipeline

import (
	"fmt"
	"time"

	"github.com/madkind/pixels/internal/canvas"
)

// Tool names accepted on the wire.
const (
	ToolBrush  = "brush"
	ToolEraser = "eraser"
)

// AnonymousUser keys rate limiting and audit entries for clients that
// send no userId.
const AnonymousUser = "anonymous"

// Reject reasons carried verbatim by pixel:reject frames. Rate-limit
// denials carry the limiter's own message instead.
const (
	RejectInvalid       = "invalid"
	RejectLocked        = "Position locked"
	RejectOverloaded    = "overloaded"
	RejectPersistFailed = "persist_failed"
)

// Origin is the submitting connection's direct reject path.
// Implementations must not block; delivery is best-effort.
type Origin interface {
	RejectPixel(x, y int, reason string)
}

// Edit is one validated pixel mutation traveling through the pipeline.
type Edit struct {
	X      int
	Y      int
	Color  string // as sent by the client; broadcast and audited verbatim
	RGB    [3]byte
	Tool   string
	UserID string
	IP     string
	Origin Origin

	// attempts counts persist retries for this edit.
	attempts int
}

// PixelChange is one applied edit as carried by pixel:bulk_update.
type PixelChange struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// UpdatePayload is the data object of an inbound pixel:update frame.
// Coordinates are pointers so absent and zero stay distinguishable.
type UpdatePayload struct {
	X               *int   `json:"x"`
	Y               *int   `json:"y"`
	Color           string `json:"color"`
	Tool            string `json:"tool"`
	ClientTimestamp string `json:"clientTimestamp"`
	UserID          string `json:"userId"`
}

// ParseEdit validates a pixel:update payload against the canvas bounds
// and returns the normalized edit. tool defaults to brush and userId to
// anonymous; clientTimestamp must parse but is otherwise advisory.
func ParseEdit(p UpdatePayload, width, height int) (Edit, error) {
	if p.X == nil || p.Y == nil {
		return Edit{}, fmt.Errorf("pipeline: pixel update missing coordinates")
	}
	x, y := *p.X, *p.Y
	if x < 0 || x >= width || y < 0 || y >= height {
		return Edit{}, fmt.Errorf("pipeline: coordinates (%d,%d) outside %dx%d canvas", x, y, width, height)
	}
	rgb, err := canvas.ParseColor(p.Color)
	if err != nil {
		return Edit{}, fmt.Errorf("pipeline: %w", err)
	}
	tool := p.Tool
	switch tool {
	case "":
		tool = ToolBrush
	case ToolBrush, ToolEraser:
	default:
		return Edit{}, fmt.Errorf("pipeline: unknown tool %q", tool)
	}
	if p.ClientTimestamp == "" {
		return Edit{}, fmt.Errorf("pipeline: pixel update missing clientTimestamp")
	}
	if _, err := time.Parse(time.RFC3339, p.ClientTimestamp); err != nil {
		return Edit{}, fmt.Errorf("pipeline: bad clientTimestamp: %w", err)
	}
	userID := p.UserID
	if userID == "" {
		userID = AnonymousUser
	}
	return Edit{
		X:      x,
		Y:      y,
		Color:  p.Color,
		RGB:    rgb,
		Tool:   tool,
		UserID: userID,
	}, nil
}
