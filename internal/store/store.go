// Package store defines the durable persistence contract for the canvas,
// the audit journal, and region locks, together with the DynamoDB and
// in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCanvasMissing reports that no canvas row has been persisted yet. The
// applier treats this as "start from a fresh canvas".
var ErrCanvasMissing = errors.New("store: canvas not found")

// CanvasRecord is the persisted canvas: raw (uncompressed) pixel bytes,
// their lowercase hex SHA-256, and the time of the last successful save.
type CanvasRecord struct {
	Bitmap      []byte
	Hash        string
	LastUpdated time.Time
}

// AuditDetails records what a single pixel edit did. Color and tool are
// kept exactly as the client sent them.
type AuditDetails struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
	Tool  string `json:"tool"`
}

// AuditEntry is one append-only journal row.
type AuditEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	UserID    string       `json:"user_id,omitempty"`
	Action    string       `json:"action"`
	Details   AuditDetails `json:"details"`
	IPAddress string       `json:"ip_address,omitempty"`
}

// RegionLock bans edits inside an axis-aligned rectangle. Coordinates are
// inclusive on all four edges and identity is the (x1,y1,x2,y2) tuple.
type RegionLock struct {
	X1        int       `json:"x1"`
	Y1        int       `json:"y1"`
	X2        int       `json:"x2"`
	Y2        int       `json:"y2"`
	LockedBy  string    `json:"locked_by"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ID returns the lock's storage identity, "x1,y1,x2,y2".
func (l RegionLock) ID() string {
	return fmt.Sprintf("%d,%d,%d,%d", l.X1, l.Y1, l.X2, l.Y2)
}

// Contains reports whether (x, y) falls inside the locked rectangle.
func (l RegionLock) Contains(x, y int) bool {
	return l.X1 <= x && x <= l.X2 && l.Y1 <= y && y <= l.Y2
}

// Validate checks the rectangle against the canvas dimensions.
func (l RegionLock) Validate(width, height int) error {
	if l.X1 < 0 || l.Y1 < 0 || l.X2 >= width || l.Y2 >= height {
		return fmt.Errorf("store: lock %s outside %dx%d canvas", l.ID(), width, height)
	}
	if l.X1 > l.X2 || l.Y1 > l.Y2 {
		return fmt.Errorf("store: lock %s has inverted corners", l.ID())
	}
	if l.LockedBy == "" {
		return errors.New("store: lock requires locked_by")
	}
	return nil
}

// Store is the durable backend consumed by the pipeline and the HTTP
// surface. Any key-value store with at-least-once writes can satisfy it.
type Store interface {
	// LoadCanvas returns the persisted canvas or ErrCanvasMissing.
	LoadCanvas(ctx context.Context) (*CanvasRecord, error)
	// SaveCanvas persists the raw bitmap, its hash, and the update time.
	SaveCanvas(ctx context.Context, bitmap []byte, hash string, updatedAt time.Time) error
	// AppendAudit journals a flush worth of entries in one call.
	AppendAudit(ctx context.Context, entries []AuditEntry) error
	// ReadAudit returns up to limit entries, newest first.
	ReadAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	ListLocks(ctx context.Context) ([]RegionLock, error)
	PutLock(ctx context.Context, lock RegionLock) error
	DeleteLock(ctx context.Context, x1, y1, x2, y2 int) error
	// Ping reports whether the backend is reachable, for health checks.
	Ping(ctx context.Context) error
}
