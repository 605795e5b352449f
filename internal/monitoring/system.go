package monitoring

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector samples process CPU and RSS on an interval, feeding the
// Prometheus gauges and the snapshot served by /health.
type Collector struct {
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.RWMutex
	memoryMB   float64
	cpuPercent float64
	goroutines int

	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewCollector(interval time.Duration, logger zerolog.Logger) *Collector {
	return &Collector{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (c *Collector) Start() {
	c.started = true
	go func() {
		defer RecoverPanic(c.logger, "system-collector", nil)
		defer close(c.done)

		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to get process handle")
			proc = nil
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample(proc)
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sample(proc)
			}
		}
	}()
}

func (c *Collector) sample(proc *process.Process) {
	var rss uint64
	var cpu float64

	if proc != nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			rss = memInfo.RSS
		}
		if pct, err := proc.Percent(0); err == nil {
			cpu = pct
		}
	}
	goroutines := runtime.NumGoroutine()

	c.mu.Lock()
	c.memoryMB = float64(rss) / 1024 / 1024
	c.cpuPercent = cpu
	c.goroutines = goroutines
	c.mu.Unlock()

	SetSystemMetrics(rss, cpu, goroutines)
}

// Snapshot returns the latest sample for the health endpoint.
func (c *Collector) Snapshot() (memoryMB, cpuPercent float64, goroutines int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memoryMB, c.cpuPercent, c.goroutines
}

// Stop halts sampling and waits for the goroutine to exit. Calling it
// without a prior Start is a no-op.
func (c *Collector) Stop() {
	if !c.started {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}
