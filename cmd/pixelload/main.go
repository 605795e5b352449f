// Command pixelload drives a pixels server with synthetic WebSocket
// clients. A configurable slice of the fleet paints random pixels while
// the rest only watch, so broadcast fan-out dominates the load the way
// it does in production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/madkind/pixels/internal/canvas"
)

type loadConfig struct {
	WSURL             string
	HealthURL         string
	TargetConnections int
	RampRate          int // connections per second
	PainterPercent    int
	PaintRate         float64 // pixels per second per painter
	CanvasWidth       int
	CanvasHeight      int
	SustainSec        int
	ReportSec         int
	HealthSec         int
	ConnectTimeoutMS  int
}

type loadState struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	connectionErrors  sync.Map // error text -> *int64

	framesReceived int64
	bytesReceived  int64
	bulkUpdates    int64
	pixelsSeen     int64
	heartbeatAcks  int64
	updatesSent    int64
	rejects        sync.Map // reason -> *int64

	mu         sync.RWMutex
	lastHealth *healthSnapshot
	phase      string
}

// healthSnapshot is the subset of GET /health the reporter cares about.
type healthSnapshot struct {
	Status string `json:"status"`
	Checks struct {
		Capacity struct {
			CurrentConnections int64 `json:"current_connections"`
		} `json:"capacity"`
		Memory struct {
			RSSMB float64 `json:"rss_mb"`
		} `json:"memory"`
		Goroutines struct {
			Count int64 `json:"count"`
		} `json:"goroutines"`
	} `json:"checks"`
}

var (
	cfg   *loadConfig
	state *loadState
)

func main() {
	cfg = parseFlags()
	state = &loadState{phase: "ramping"}

	log.Printf("%s", strings.Repeat("=", 72))
	log.Printf("pixels sustained load test")
	log.Printf("%s", strings.Repeat("=", 72))
	log.Printf("target:    %d connections (%d%% painters at %.1f px/s)",
		cfg.TargetConnections, cfg.PainterPercent, cfg.PaintRate)
	log.Printf("ramp:      %d conn/s", cfg.RampRate)
	log.Printf("sustain:   %ds", cfg.SustainSec)
	log.Printf("server:    %s", cfg.WSURL)

	if err := pollHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received, closing clients")
		cancel()
	}()

	go healthLoop(ctx)
	go reportLoop(ctx)

	if err := rampUp(ctx); err != nil {
		log.Fatalf("ramp-up aborted: %v", err)
	}

	if state.phase == "sustaining" {
		select {
		case <-time.After(time.Duration(cfg.SustainSec) * time.Second):
			state.phase = "completed"
		case <-ctx.Done():
			log.Printf("sustain phase interrupted")
		}
	}

	cancel()
	printReport(true)
}

func parseFlags() *loadConfig {
	c := &loadConfig{}
	flag.StringVar(&c.WSURL, "url", getEnv("PIXELS_WS_URL", "ws://localhost:8000/ws"), "WebSocket endpoint")
	flag.StringVar(&c.HealthURL, "health", getEnv("PIXELS_HEALTH_URL", "http://localhost:8000/health"), "Health endpoint")
	flag.IntVar(&c.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 500), "Target concurrent connections")
	flag.IntVar(&c.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 50), "Connections opened per second")
	flag.IntVar(&c.PainterPercent, "painters", getEnvInt("PAINTER_PERCENT", 10), "Percent of clients that paint")
	flag.Float64Var(&c.PaintRate, "paint-rate", 2.0, "Pixel updates per second per painter")
	flag.IntVar(&c.CanvasWidth, "width", getEnvInt("CANVAS_WIDTH", 900), "Canvas width painters target")
	flag.IntVar(&c.CanvasHeight, "height", getEnvInt("CANVAS_HEIGHT", 900), "Canvas height painters target")
	flag.IntVar(&c.SustainSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&c.ReportSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&c.HealthSec, "health-interval", 5, "Health poll interval in seconds")
	flag.IntVar(&c.ConnectTimeoutMS, "connect-timeout", 10000, "Dial timeout in milliseconds")
	flag.Parse()
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func rampUp(ctx context.Context) error {
	log.Printf("ramping %d connections at %d/s", cfg.TargetConnections, cfg.RampRate)

	batchSize := cfg.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	id := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(cfg.TargetConnections) {
				state.phase = "sustaining"
				log.Printf("ramp complete: %d active, %d failed",
					atomic.LoadInt64(&state.activeConnections),
					atomic.LoadInt64(&state.failedConnections))
				return nil
			}
			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(cfg.TargetConnections); i++ {
				wg.Add(1)
				atomic.AddInt64(&state.totalCreated, 1)
				painter := id%100 < cfg.PainterPercent
				cl := &client{id: id, painter: painter}
				id++
				go func() {
					defer wg.Done()
					if err := cl.connect(ctx); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						countBy(&state.connectionErrors, err.Error())
					}
				}()
			}
			wg.Wait()
		}
	}
}

func countBy(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

type client struct {
	id      int
	painter bool
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond}
	conn, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	atomic.AddInt64(&state.activeConnections, 1)

	go c.readLoop(ctx)
	go c.heartbeatLoop(ctx)
	if c.painter {
		go c.paintLoop(ctx)
	}
	return nil
}

func (c *client) close() {
	c.once.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		c.conn.Close()
	})
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	go func() {
		<-ctx.Done()
		c.close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&state.framesReceived, 1)
		atomic.AddInt64(&state.bytesReceived, int64(len(data)))

		var frame struct {
			Type string `json:"type"`
			Data struct {
				Pixels []json.RawMessage `json:"pixels"`
				Reason string            `json:"reason"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "pixel:bulk_update":
			atomic.AddInt64(&state.bulkUpdates, 1)
			atomic.AddInt64(&state.pixelsSeen, int64(len(frame.Data.Pixels)))
		case "pixel:reject":
			countBy(&state.rejects, frame.Data.Reason)
		case "heartbeat:ack":
			atomic.AddInt64(&state.heartbeatAcks, 1)
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]string{"type": "heartbeat"}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) paintLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / cfg.PaintRate)
	// Spread painters out so flushes see mixed batches.
	time.Sleep(time.Duration(rand.Int64N(int64(interval))))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	userID := fmt.Sprintf("load-%d", c.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := map[string]any{
				"type": "pixel:update",
				"data": map[string]any{
					"x":               rand.IntN(cfg.CanvasWidth),
					"y":               rand.IntN(cfg.CanvasHeight),
					"color":           canvas.Palette[rand.IntN(len(canvas.Palette))],
					"tool":            "brush",
					"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
					"userId":          userID,
				},
			}
			if err := c.writeJSON(frame); err != nil {
				c.close()
				return
			}
			atomic.AddInt64(&state.updatesSent, 1)
		}
	}
}

func healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.HealthSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollHealth(); err != nil {
				log.Printf("health poll failed: %v", err)
			}
		}
	}
}

func pollHealth() error {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(cfg.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var snap healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	state.mu.Lock()
	state.lastHealth = &snap
	state.mu.Unlock()
	return nil
}

func reportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.ReportSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport(false)
		}
	}
}

var prevBulk, prevPixels, prevSent int64

func printReport(final bool) {
	active := atomic.LoadInt64(&state.activeConnections)
	bulk := atomic.LoadInt64(&state.bulkUpdates)
	pixels := atomic.LoadInt64(&state.pixelsSeen)
	sent := atomic.LoadInt64(&state.updatesSent)

	header := "report"
	if final {
		header = "final report"
	}
	log.Printf("--- %s (%s) ---", header, state.phase)
	log.Printf("connections: %d active / %d created / %d failed",
		active, atomic.LoadInt64(&state.totalCreated), atomic.LoadInt64(&state.failedConnections))
	log.Printf("traffic:     %d updates sent, %d broadcasts (%d pixels) received, %d acks",
		sent, bulk, pixels, atomic.LoadInt64(&state.heartbeatAcks))
	if !final {
		interval := float64(cfg.ReportSec)
		log.Printf("rates:       %.1f sent/s, %.1f broadcasts/s, %.1f pixels/s",
			float64(sent-prevSent)/interval, float64(bulk-prevBulk)/interval, float64(pixels-prevPixels)/interval)
	}
	prevBulk, prevPixels, prevSent = bulk, pixels, sent

	var rejectParts []string
	state.rejects.Range(func(k, v any) bool {
		rejectParts = append(rejectParts, fmt.Sprintf("%s=%d", k, atomic.LoadInt64(v.(*int64))))
		return true
	})
	if len(rejectParts) > 0 {
		log.Printf("rejects:     %s", strings.Join(rejectParts, " "))
	}

	state.mu.RLock()
	snap := state.lastHealth
	state.mu.RUnlock()
	if snap != nil {
		serverConns := snap.Checks.Capacity.CurrentConnections
		// A persistent gap means the server is tracking connections we
		// already gave up on, or vice versa.
		log.Printf("server:      status=%s conns=%d (client delta %+d) rss=%.0fMB goroutines=%d",
			snap.Status, serverConns, active-serverConns,
			snap.Checks.Memory.RSSMB, snap.Checks.Goroutines.Count)
	}

	if final {
		state.connectionErrors.Range(func(k, v any) bool {
			log.Printf("dial error:  %dx %s", atomic.LoadInt64(v.(*int64)), k)
			return true
		})
	}
}
