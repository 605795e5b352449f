package server

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/events"
	"github.com/madkind/pixels/internal/pipeline"
)

func newTestHub(t *testing.T, queueCap int) *Hub {
	t.Helper()
	ev, err := events.NewPublisher(events.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	return NewHub(queueCap, ev, zerolog.Nop())
}

// pipeSubscriber returns a subscriber on the server half of a pipe and
// the client half for the test to read.
func pipeSubscriber(t *testing.T, queueCap int) (*Subscriber, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sub := newSubscriber(serverConn, "203.0.113.9", queueCap, zerolog.Nop())
	return sub, clientConn
}

func readServerText(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestSubscriberEnqueue(t *testing.T) {
	t.Parallel()

	sub, client := pipeSubscriber(t, 2)
	defer client.Close()
	defer sub.disconnect()

	atomic.StoreInt64(&sub.sendAttempts, 5)
	if !sub.enqueue([]byte("a")) {
		t.Fatal("first enqueue failed")
	}
	if got := atomic.LoadInt64(&sub.sendAttempts); got != 0 {
		t.Errorf("sendAttempts = %d after success, want 0", got)
	}
	if !sub.enqueue([]byte("b")) {
		t.Fatal("second enqueue failed")
	}
	if sub.enqueue([]byte("c")) {
		t.Error("enqueue succeeded past queue capacity")
	}
}

func TestSubscriberRejectFrames(t *testing.T) {
	t.Parallel()

	sub, client := pipeSubscriber(t, 4)
	defer client.Close()
	defer sub.disconnect()

	sub.RejectPixel(3, 4, pipeline.RejectLocked)
	sub.sendReject(pipeline.RejectInvalid)

	positioned := decodeFrame(t, <-sub.send)
	data := positioned["data"].(map[string]any)
	if data["reason"] != "Position locked" || data["x"] != float64(3) || data["y"] != float64(4) {
		t.Errorf("positioned reject = %v", data)
	}

	plain := decodeFrame(t, <-sub.send)
	data = plain["data"].(map[string]any)
	if data["reason"] != "invalid" {
		t.Errorf("reason = %v", data["reason"])
	}
	if _, ok := data["x"]; ok {
		t.Error("plain reject carries x")
	}
}

func TestHubBroadcastDeliversToAll(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, 8)
	subA, clientA := pipeSubscriber(t, 8)
	subB, clientB := pipeSubscriber(t, 8)
	h.Register(subA)
	h.Register(subB)

	if h.Count() != 2 {
		t.Fatalf("Count = %d, want 2", h.Count())
	}

	h.BroadcastBulkUpdate([]pipeline.PixelChange{{X: 1, Y: 2, Color: "#FF0000"}}, "cafe", time.Now())

	for _, client := range []net.Conn{clientA, clientB} {
		frame := decodeFrame(t, readServerText(t, client))
		if frame["type"] != "pixel:bulk_update" {
			t.Errorf("type = %v", frame["type"])
		}
		if frame["data"].(map[string]any)["hash"] != "cafe" {
			t.Errorf("hash = %v", frame["data"])
		}
	}

	// Closing the clients first keeps the shutdown close frames from
	// blocking on the unbuffered pipes.
	clientA.Close()
	clientB.Close()
	h.Shutdown()
	if h.Count() != 0 {
		t.Errorf("Count = %d after shutdown", h.Count())
	}
}

func TestHubShutdownSendsGoingAway(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, 4)
	sub, client := pipeSubscriber(t, 4)
	h.Register(sub)

	type closeResult struct {
		frame ws.Frame
		err   error
	}
	got := make(chan closeResult, 1)
	go func() {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		frame, err := ws.ReadFrame(client)
		got <- closeResult{frame, err}
	}()

	h.Shutdown()

	res := <-got
	if res.err != nil {
		t.Fatalf("reading close frame: %v", res.err)
	}
	if res.frame.Header.OpCode != ws.OpClose {
		t.Fatalf("opcode = %v, want close", res.frame.Header.OpCode)
	}
	code, reason := ws.ParseCloseFrameData(res.frame.Payload)
	if code != ws.StatusGoingAway {
		t.Errorf("close code = %d, want %d", code, ws.StatusGoingAway)
	}
	if reason != "Server shutting down" {
		t.Errorf("close reason = %q", reason)
	}
	if h.Count() != 0 {
		t.Errorf("Count = %d after shutdown", h.Count())
	}
	client.Close()
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, 1)
	sub, client := pipeSubscriber(t, 1)

	// Insert without Register so no write pump drains the queue; this
	// subscriber consumes nothing, like a stalled peer.
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	got := make(chan ws.Frame, 1)
	go func() {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if frame, err := ws.ReadFrame(client); err == nil {
			got <- frame
		}
	}()

	if !sub.enqueue([]byte("fill")) {
		t.Fatal("priming enqueue failed")
	}
	for i := 0; i < maxSendAttempts; i++ {
		h.broadcast([]byte("drop"))
	}

	if h.Count() != 0 {
		t.Fatalf("Count = %d, want 0 after eviction", h.Count())
	}
	if attempts := atomic.LoadInt64(&sub.sendAttempts); attempts != maxSendAttempts {
		t.Errorf("sendAttempts = %d, want %d", attempts, maxSendAttempts)
	}

	frame := <-got
	if frame.Header.OpCode != ws.OpClose {
		t.Fatalf("opcode = %v, want close", frame.Header.OpCode)
	}
	code, reason := ws.ParseCloseFrameData(frame.Payload)
	if code != ws.StatusPolicyViolation {
		t.Errorf("close code = %d, want %d", code, ws.StatusPolicyViolation)
	}
	if reason != "Client too slow to process messages" {
		t.Errorf("close reason = %q", reason)
	}
	client.Close()
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, 4)
	sub, client := pipeSubscriber(t, 4)
	defer client.Close()
	h.Register(sub)

	h.Remove(sub, "read_error", "client")
	h.Remove(sub, "server_shutdown", "server")

	if h.Count() != 0 {
		t.Errorf("Count = %d", h.Count())
	}

	// Removing a subscriber that was never registered must be a no-op.
	stray, strayClient := pipeSubscriber(t, 4)
	defer strayClient.Close()
	defer stray.disconnect()
	h.Remove(stray, "read_error", "client")
}
