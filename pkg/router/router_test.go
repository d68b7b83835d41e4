package router

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// fakeTransport is an in-memory, loopback-free Transport: Send appends to
// outbox, Receive pops from a queue the test feeds directly (inbox).
type fakeTransport struct {
	mu     sync.Mutex
	outbox [][]byte
	inbox  [][]byte
}

func (f *fakeTransport) Send(b []byte) error {
	cp := append([]byte(nil), b...)
	f.mu.Lock()
	f.outbox = append(f.outbox, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Receive(buf []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if len(f.inbox) == 0 {
		f.mu.Unlock()
		time.Sleep(timeout)
		return nil, deadlineExceeded{}
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	f.mu.Unlock()
	n := copy(buf, next)
	return buf[:n], nil
}

func (f *fakeTransport) SendLimit() int { return wire.MaxDatagramSize }

func (f *fakeTransport) push(b []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, b)
	f.mu.Unlock()
}

func (f *fakeTransport) popOutbox() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outbox
	f.outbox = nil
	return out
}

type deadlineExceeded struct{}

func (deadlineExceeded) Error() string { return "i/o timeout" }
func (deadlineExceeded) Timeout() bool { return true }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSendPacketEnqueuesAndTransmits(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	if err := r.SendPacket(wire.Packet{Type: wire.TypePunch, ConnectionID: 7}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	waitFor(t, func() bool { return len(tr.popOutbox()) > 0 || len(tr.outbox) > 0 })
}

func TestBuiltinKeepaliveHandling(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	enc, err := wire.Encode(wire.Packet{Type: wire.TypeKeepalive})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tr.push(enc)

	waitFor(t, func() bool {
		for _, b := range tr.popOutbox() {
			pkt, err := wire.Decode(b)
			if err == nil && pkt.Type == wire.TypeKeepaliveAck {
				return true
			}
		}
		return false
	})
}

func TestCustomHandlerDispatch(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())

	got := make(chan wire.Packet, 1)
	r.AddHandler(wire.TypePunch, func(pkt wire.Packet) {
		got <- pkt
	})
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	enc, _ := wire.Encode(wire.Packet{Type: wire.TypePunch, ConnectionID: 42})
	tr.push(enc)

	select {
	case pkt := <-got:
		if pkt.ConnectionID != 42 {
			t.Fatalf("connection id = %d, want 42", pkt.ConnectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never invoked")
	}
}

func TestTickCallbackInvoked(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())

	var calls int
	var mu sync.Mutex
	r.SetTickCallback(func(now time.Time) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 2
	})
}

func TestRemoveHandlerStopsDispatch(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())

	got := make(chan wire.Packet, 4)
	r.AddHandler(wire.TypePunch, func(pkt wire.Packet) { got <- pkt })
	r.RemoveHandler(wire.TypePunch)
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	enc, _ := wire.Encode(wire.Packet{Type: wire.TypePunch})
	tr.push(enc)

	select {
	case <-got:
		t.Fatalf("handler fired after removal")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendAfterStopFails(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())
	r.Start()
	r.Stop()
	r.AwaitStop()

	if err := r.Send([]byte("x")); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestWritePrometheusReflectsTraffic(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testLogger())
	r.Start()
	defer func() { r.Stop(); r.AwaitStop() }()

	enc, err := wire.Encode(wire.Packet{Type: wire.TypePunch, ConnectionID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tr.push(enc)

	if err := r.SendPacket(wire.Packet{Type: wire.TypePunch, ConnectionID: 2}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	waitFor(t, func() bool { return len(tr.outbox) > 0 })

	var buf strings.Builder
	r.WritePrometheus(&buf)
	out := buf.String()
	if !strings.Contains(out, "p2pxfer_router_datagrams_sent_total") {
		t.Fatalf("expected sent counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "p2pxfer_router_datagrams_received_total") {
		t.Fatalf("expected received counter in output, got:\n%s", out)
	}
}
