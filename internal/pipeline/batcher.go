package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/monitoring"
)

// ErrOverloaded is returned by Submit when the buffer hits its global
// ceiling. The per-user limiters keep this from firing under normal
// load; the ceiling guards against mass abuse.
var ErrOverloaded = errors.New("pipeline: edit buffer full")

type BatcherConfig struct {
	FlushInterval time.Duration // default 50ms
	MaxBuffer     int           // default 100000
	Logger        zerolog.Logger
}

// Batcher coalesces edits between flush ticks. Submit is safe for
// concurrent use; each tick swaps the buffer and hands the captured
// batch to the applier, so order within a batch is arrival order and
// order across batches is tick order.
type Batcher struct {
	applier  *Applier
	interval time.Duration
	max      int
	logger   zerolog.Logger

	mu  sync.Mutex
	buf []Edit

	ctx      context.Context
	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewBatcher(applier *Applier, cfg BatcherConfig) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 100_000
	}
	return &Batcher{
		applier:  applier,
		interval: cfg.FlushInterval,
		max:      cfg.MaxBuffer,
		logger:   cfg.Logger.With().Str("component", "batcher").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Submit appends an edit for the next flush.
func (b *Batcher) Submit(e Edit) error {
	b.mu.Lock()
	if len(b.buf) >= b.max {
		b.mu.Unlock()
		monitoring.RecordEditReject(monitoring.RejectReasonOverloaded)
		return ErrOverloaded
	}
	b.buf = append(b.buf, e)
	b.mu.Unlock()
	monitoring.IncrementEditsAdmitted()
	return nil
}

// Pending returns the number of buffered edits.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Start launches the flush loop. ctx bounds the I/O of periodic
// flushes; the final flush on Stop runs to completion regardless.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx = ctx
	b.started = true
	go b.run()
}

// Stop halts the ticker, runs one final flush, and waits for it. The
// applier's broadcast for that flush is enqueued before Stop returns.
// Calling it without a prior Start is a no-op.
func (b *Batcher) Stop() {
	if !b.started {
		return
	}
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *Batcher) run() {
	defer close(b.done)
	defer monitoring.RecoverPanic(b.logger, "flush_loop", nil)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(b.ctx, false)
		case <-b.stop:
			b.flush(context.Background(), true)
			return
		}
	}
}

func (b *Batcher) flush(ctx context.Context, final bool) {
	batch := b.swap()
	if len(batch) == 0 {
		return
	}
	retry := b.applier.Apply(ctx, batch)
	if len(retry) == 0 {
		return
	}
	if final {
		b.logger.Warn().Int("edits", len(retry)).Msg("Dropping unpersisted edits at shutdown")
		return
	}
	b.requeue(retry)
}

func (b *Batcher) swap() []Edit {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.buf
	b.buf = nil
	return batch
}

// requeue puts failed edits back at the head so the next flush retries
// them before newer arrivals. The ceiling does not apply; the slice is
// bounded by the batch that just failed.
func (b *Batcher) requeue(edits []Edit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]Edit, 0, len(edits)+len(b.buf))
	merged = append(merged, edits...)
	merged = append(merged, b.buf...)
	b.buf = merged
}
