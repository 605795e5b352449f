package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for local development and tests. All
// methods copy on the way in and out so callers never share buffers with
// the store.
type Memory struct {
	mu     sync.Mutex
	canvas *CanvasRecord
	audit  []AuditEntry
	locks  map[string]RegionLock
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]RegionLock)}
}

func (m *Memory) LoadCanvas(ctx context.Context) (*CanvasRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canvas == nil {
		return nil, ErrCanvasMissing
	}
	rec := &CanvasRecord{
		Bitmap:      append([]byte(nil), m.canvas.Bitmap...),
		Hash:        m.canvas.Hash,
		LastUpdated: m.canvas.LastUpdated,
	}
	return rec, nil
}

func (m *Memory) SaveCanvas(ctx context.Context, bitmap []byte, hash string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canvas = &CanvasRecord{
		Bitmap:      append([]byte(nil), bitmap...),
		Hash:        hash,
		LastUpdated: updatedAt,
	}
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *Memory) ReadAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) ListLocks(ctx context.Context) ([]RegionLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegionLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

func (m *Memory) PutLock(ctx context.Context, lock RegionLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[lock.ID()] = lock
	return nil
}

func (m *Memory) DeleteLock(ctx context.Context, x1, y1, x2, y2 int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, RegionLock{X1: x1, Y1: y1, X2: x2, Y2: y2}.ID())
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
