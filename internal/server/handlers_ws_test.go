package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/canvas"
	"github.com/madkind/pixels/internal/config"
	"github.com/madkind/pixels/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:               ":0",
		Environment:        "test",
		CanvasWidth:        16,
		CanvasHeight:       16,
		CanvasInitColor:    "#000000",
		FlushInterval:      20 * time.Millisecond,
		MaxBatchBuffer:     1000,
		BucketCapacity:     100,
		BucketRefillPerSec: 100,
		BucketIdleTTL:      5 * time.Minute,
		MinuteWindowMax:    10000,
		SubscriberQueueCap: 64,
		MaxConnections:     100,
		LockCacheTTL:       time.Minute,
		CanvasCacheTTL:     time.Minute,
		UseMemoryStore:     true,
		HTTPReadTimeout:    5 * time.Second,
		HTTPWriteTimeout:   5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		MetricsInterval:    time.Hour,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// newTestServer builds a server on the in-memory store with the flush
// loop running, fronted by an httptest listener.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	sv, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sv.batcher.Start(context.Background())
	ts := httptest.NewServer(sv.routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sv.Shutdown(ctx)
	})
	return sv, ts
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func wsDial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{
		t:    t,
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(data)
}

func (c *wsClient) sendRaw(data []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := wsutil.WriteClientMessage(c.rw, ws.OpText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) readFrame() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return decodeFrame(c.t, data)
}

// expect reads frames until one of the wanted type arrives.
func (c *wsClient) expect(typ string) map[string]any {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		frame := c.readFrame()
		if frame["type"] == typ {
			return frame
		}
	}
	c.t.Fatalf("no %q frame arrived", typ)
	return nil
}

func pixelFrame(x, y int, color, userID string) map[string]any {
	return map[string]any{
		"type": "pixel:update",
		"data": map[string]any{
			"x":               x,
			"y":               y,
			"color":           color,
			"tool":            "brush",
			"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
			"userId":          userID,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebSocketHeartbeat(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, testConfig())
	c := wsDial(t, ts)

	c.send(map[string]any{"type": "heartbeat"})
	ack := c.expect("heartbeat:ack")
	if _, err := time.Parse(time.RFC3339Nano, ack["timestamp"].(string)); err != nil {
		t.Errorf("ack timestamp does not parse: %v", err)
	}
}

func TestWebSocketPixelFlow(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	c := wsDial(t, ts)

	c.send(pixelFrame(3, 4, "#FF0000", "alice"))

	frame := c.expect("pixel:bulk_update")
	data := frame["data"].(map[string]any)
	pixels := data["pixels"].([]any)
	if len(pixels) != 1 {
		t.Fatalf("pixels = %d, want 1", len(pixels))
	}
	px := pixels[0].(map[string]any)
	if px["x"] != float64(3) || px["y"] != float64(4) || px["color"] != "#FF0000" {
		t.Errorf("pixel = %v", px)
	}
	hash, _ := data["hash"].(string)
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(hash) {
		t.Errorf("hash = %q, want lowercase sha256 hex", hash)
	}
	expected := canvas.New(16, 16, [3]byte{})
	expected.Set(3, 4, [3]byte{0xFF, 0x00, 0x00})
	if want := expected.Hash(); hash != want {
		t.Errorf("hash = %q, want %q (canvas with one red pixel)", hash, want)
	}
	if _, err := time.Parse(time.RFC3339Nano, frame["timestamp"].(string)); err != nil {
		t.Errorf("timestamp does not parse: %v", err)
	}

	// The broadcast happens only after the batch is persisted and
	// audited, so both must already be observable.
	rec, err := sv.store.LoadCanvas(context.Background())
	if err != nil {
		t.Fatalf("LoadCanvas: %v", err)
	}
	if rec.Hash != hash {
		t.Errorf("stored hash %q != broadcast hash %q", rec.Hash, hash)
	}

	entries, err := sv.store.ReadAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.UserID != "alice" || e.Action != "pixel_update" || e.IPAddress != "127.0.0.1" {
		t.Errorf("audit entry = %+v", e)
	}
	if e.Details.X != 3 || e.Details.Y != 4 || e.Details.Color != "#FF0000" || e.Details.Tool != "brush" {
		t.Errorf("audit details = %+v", e.Details)
	}
}

// Subscribers must observe the same pixel sequence the painter
// submitted, regardless of how the flushes slice it into batches.
func TestWebSocketTotalOrder(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	painter := wsDial(t, ts)
	watcherA := wsDial(t, ts)
	watcherB := wsDial(t, ts)
	waitFor(t, "all subscribers", func() bool { return sv.hub.Count() == 3 })

	painter.send(pixelFrame(1, 1, "#FF0000", "alice"))
	painter.send(pixelFrame(2, 2, "#00FF00", "alice"))
	painter.send(pixelFrame(3, 3, "#0000FF", "alice"))

	collect := func(c *wsClient, n int) []string {
		var seq []string
		for len(seq) < n {
			frame := c.expect("pixel:bulk_update")
			for _, p := range frame["data"].(map[string]any)["pixels"].([]any) {
				px := p.(map[string]any)
				seq = append(seq, fmt.Sprintf("%v,%v,%v", px["x"], px["y"], px["color"]))
			}
		}
		return seq
	}

	want := []string{"1,1,#FF0000", "2,2,#00FF00", "3,3,#0000FF"}
	seqA := collect(watcherA, 3)
	seqB := collect(watcherB, 3)
	for i := range want {
		if seqA[i] != want[i] {
			t.Fatalf("watcher A sequence = %v, want %v", seqA, want)
		}
		if seqB[i] != seqA[i] {
			t.Fatalf("watchers disagree: %v vs %v", seqA, seqB)
		}
	}
}

func TestWebSocketEraserOverpaint(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	c := wsDial(t, ts)

	c.send(pixelFrame(10, 10, "#123456", "alice"))
	c.expect("pixel:bulk_update")

	c.send(map[string]any{
		"type": "pixel:update",
		"data": map[string]any{
			"x":               10,
			"y":               10,
			"color":           "#000000",
			"tool":            "eraser",
			"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
			"userId":          "alice",
		},
	})
	frame := c.expect("pixel:bulk_update")
	px := frame["data"].(map[string]any)["pixels"].([]any)[0].(map[string]any)
	if px["color"] != "#000000" {
		t.Errorf("broadcast echoes %v, want the submitted color", px["color"])
	}

	rec, err := sv.store.LoadCanvas(context.Background())
	if err != nil {
		t.Fatalf("LoadCanvas: %v", err)
	}
	cv, err := canvas.FromBytes(16, 16, rec.Bitmap)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got := cv.At(10, 10); got != [3]byte{255, 255, 255} {
		t.Errorf("erased pixel = %v, want white", got)
	}
}

func TestWebSocketInvalidRejects(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, testConfig())
	c := wsDial(t, ts)

	// Out-of-bounds coordinate.
	c.send(pixelFrame(999, 4, "#FF0000", "alice"))
	frame := c.expect("pixel:reject")
	data := frame["data"].(map[string]any)
	if data["reason"] != "invalid" {
		t.Errorf("reason = %v", data["reason"])
	}
	if _, ok := data["x"]; ok {
		t.Error("invalid reject carries coordinates")
	}

	// Bad color.
	c.send(pixelFrame(1, 1, "red", "alice"))
	frame = c.expect("pixel:reject")
	if frame["data"].(map[string]any)["reason"] != "invalid" {
		t.Errorf("reason = %v", frame["data"])
	}

	// Malformed JSON.
	c.sendRaw([]byte("{not json"))
	frame = c.expect("pixel:reject")
	if frame["data"].(map[string]any)["reason"] != "invalid" {
		t.Errorf("reason = %v", frame["data"])
	}
}

func TestWebSocketRateLimitReject(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BucketCapacity = 2
	cfg.BucketRefillPerSec = 0.01
	_, ts := newTestServer(t, cfg)
	c := wsDial(t, ts)

	c.send(pixelFrame(0, 0, "#FF0000", "burst"))
	c.send(pixelFrame(1, 0, "#FF0000", "burst"))
	c.send(pixelFrame(2, 0, "#FF0000", "burst"))

	var sawReject bool
	var applied int
	for i := 0; i < 16 && (!sawReject || applied < 2); i++ {
		frame := c.readFrame()
		switch frame["type"] {
		case "pixel:reject":
			reason := frame["data"].(map[string]any)["reason"]
			if reason != "Rate limit exceeded. 0 tokens remaining." {
				t.Errorf("reason = %v", reason)
			}
			sawReject = true
		case "pixel:bulk_update":
			applied += len(frame["data"].(map[string]any)["pixels"].([]any))
		}
	}
	if !sawReject {
		t.Error("no rate limit reject arrived")
	}
	if applied != 2 {
		t.Errorf("applied %d pixels, want 2", applied)
	}
}

func TestWebSocketLockedReject(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	if _, err := sv.locks.Create(context.Background(), store.RegionLock{
		X1: 5, Y1: 5, X2: 8, Y2: 8, LockedBy: "moderator",
	}); err != nil {
		t.Fatalf("Create lock: %v", err)
	}

	c := wsDial(t, ts)
	c.send(pixelFrame(6, 6, "#00FF00", "alice"))

	frame := c.expect("pixel:reject")
	data := frame["data"].(map[string]any)
	if data["reason"] != "Position locked" {
		t.Errorf("reason = %v", data["reason"])
	}
	if data["x"] != float64(6) || data["y"] != float64(6) {
		t.Errorf("position = (%v,%v)", data["x"], data["y"])
	}

	// Outside the lock the edit goes through.
	c.send(pixelFrame(1, 1, "#00FF00", "alice"))
	frame = c.expect("pixel:bulk_update")
	pixels := frame["data"].(map[string]any)["pixels"].([]any)
	if len(pixels) != 1 {
		t.Fatalf("pixels = %d, want 1", len(pixels))
	}

	rec, err := sv.store.LoadCanvas(context.Background())
	if err != nil {
		t.Fatalf("LoadCanvas: %v", err)
	}
	cv, err := canvas.FromBytes(16, 16, rec.Bitmap)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got := cv.At(6, 6); got != [3]byte{} {
		t.Errorf("locked pixel = %v, want untouched", got)
	}
}

func TestWebSocketOverloadReject(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxBatchBuffer = 1
	cfg.FlushInterval = time.Hour
	_, ts := newTestServer(t, cfg)
	c := wsDial(t, ts)

	c.send(pixelFrame(0, 0, "#FF0000", "alice"))
	c.send(pixelFrame(1, 1, "#FF0000", "alice"))

	frame := c.expect("pixel:reject")
	data := frame["data"].(map[string]any)
	if data["reason"] != "overloaded" {
		t.Errorf("reason = %v", data["reason"])
	}
	if data["x"] != float64(1) || data["y"] != float64(1) {
		t.Errorf("position = (%v,%v)", data["x"], data["y"])
	}
}

func TestWebSocketConnectionCap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnections = 1
	sv, ts := newTestServer(t, cfg)

	wsDial(t, ts)
	waitFor(t, "first subscriber", func() bool { return sv.hub.Count() == 1 })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, url); err == nil {
		conn.Close()
		t.Fatal("dial succeeded past the connection cap")
	}
}

func TestWebSocketDrainingRejectsUpgrade(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	sv.draining.Store(true)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, url); err == nil {
		conn.Close()
		t.Fatal("dial succeeded while draining")
	}
}

func TestWebSocketClientDisconnectRemovesSubscriber(t *testing.T) {
	t.Parallel()

	sv, ts := newTestServer(t, testConfig())
	c := wsDial(t, ts)
	waitFor(t, "subscriber registration", func() bool { return sv.hub.Count() == 1 })

	c.conn.Close()
	waitFor(t, "subscriber removal", func() bool { return sv.hub.Count() == 0 })
}

func TestGetClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.1:4242"
	if ip := getClientIP(r); ip != "192.0.2.1" {
		t.Errorf("ip = %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := getClientIP(r); ip != "203.0.113.7" {
		t.Errorf("forwarded ip = %q", ip)
	}
}
