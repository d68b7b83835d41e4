// Package router implements the single-threaded packet I/O pump spec.md
// §4.6 describes: it owns the secure transport, serializes every send and
// receive through one goroutine, and drives tick-based retransmission and
// keepalive liveness.
package router

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// ErrStopped is returned by Send when the router has already stopped.
var ErrStopped = errors.New("router: stopped")

const (
	receiveTimeout  = 10 * time.Millisecond
	keepaliveEvery  = 15 * time.Second
	livenessTimeout = 45 * time.Second
)

// Transport is the abstraction the router pumps datagrams through. A
// securedgram.Conn satisfies it; tests use an in-memory fake.
type Transport interface {
	Send(b []byte) error
	Receive(buf []byte, timeout time.Duration) ([]byte, error)
	SendLimit() int
}

// Handler processes one decoded packet.
type Handler func(pkt wire.Packet)

// TickFunc is invoked once per loop iteration on the pump goroutine.
type TickFunc func(now time.Time)

// Router is the packet pump. The zero value is not usable; construct with
// New.
type Router struct {
	transport Transport
	log       zerolog.Logger

	mu       sync.Mutex
	handlers map[wire.Type]Handler
	tick     TickFunc
	sendQ    [][]byte

	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	lastSend time.Time
	lastRecv time.Time

	// DeadFunc, if set, is invoked exactly once from the pump goroutine
	// when the liveness timeout elapses.
	DeadFunc func()

	metricsOnce sync.Once
	m           routerMetrics
}

type routerMetrics struct {
	set *metrics.Set

	datagramsSentTotal     *metrics.Counter
	datagramsReceivedTotal *metrics.Counter
	malformedTotal         *metrics.Counter
	keepalivesSentTotal    *metrics.Counter
	livenessTimeoutsTotal  *metrics.Counter
}

// New constructs a Router over transport. log should already be bound with
// component context (e.g. log.With().Str("component", "router")).
func New(transport Transport, log zerolog.Logger) *Router {
	return &Router{
		transport: transport,
		log:       log,
		handlers:  make(map[wire.Type]Handler),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Router) metricsSet() *metrics.Set {
	r.metricsOnce.Do(func() {
		r.m.set = metrics.NewSet()
		r.m.datagramsSentTotal = r.m.set.NewCounter(`p2pxfer_router_datagrams_sent_total`)
		r.m.datagramsReceivedTotal = r.m.set.NewCounter(`p2pxfer_router_datagrams_received_total`)
		r.m.malformedTotal = r.m.set.NewCounter(`p2pxfer_router_malformed_total`)
		r.m.keepalivesSentTotal = r.m.set.NewCounter(`p2pxfer_router_keepalives_sent_total`)
		r.m.livenessTimeoutsTotal = r.m.set.NewCounter(`p2pxfer_router_liveness_timeouts_total`)
	})
	return r.m.set
}

// WritePrometheus writes the router's counters in Prometheus text format.
func (r *Router) WritePrometheus(w io.Writer) {
	r.metricsSet().WritePrometheus(w)
}

// SendLimit exposes the transport's maximum datagram size.
func (r *Router) SendLimit() int {
	return r.transport.SendLimit()
}

// Send enqueues raw bytes for asynchronous transmission. Thread-safe.
func (r *Router) Send(b []byte) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	r.mu.Lock()
	r.sendQ = append(r.sendQ, b)
	r.mu.Unlock()
	return nil
}

// SendPacket encodes pkt and enqueues it.
func (r *Router) SendPacket(pkt wire.Packet) error {
	enc, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	return r.Send(enc)
}

// AddHandler registers fn for t, overwriting any existing registration.
// KEEPALIVE and KEEPALIVE_ACK cannot be overridden; they are always handled
// internally.
func (r *Router) AddHandler(t wire.Type, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
}

// RemoveHandler clears any registration for t.
func (r *Router) RemoveHandler(t wire.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

// SetTickCallback installs the periodic hook invoked once per loop
// iteration on the pump goroutine.
func (r *Router) SetTickCallback(fn TickFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = fn
}

// Start launches the pump goroutine.
func (r *Router) Start() {
	r.metricsSet()

	now := time.Now()
	r.mu.Lock()
	r.lastSend = now
	r.lastRecv = now
	r.mu.Unlock()

	go r.pump()
}

// Stop signals the pump goroutine to exit after its current iteration.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// AwaitStop blocks until the pump goroutine has exited.
func (r *Router) AwaitStop() {
	<-r.done
}

func (r *Router) pump() {
	defer close(r.done)

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-r.stopped:
			return
		default:
		}

		// 1. Drain send queue to the transport.
		r.drainSend()

		// 2. Receive once with a 10ms timeout.
		data, err := r.transport.Receive(buf, receiveTimeout)
		now := time.Now()
		if err == nil {
			r.m.datagramsReceivedTotal.Inc()
			r.mu.Lock()
			r.lastRecv = now
			r.mu.Unlock()

			// 3. Decode; dispatch on success, log and continue on failure.
			pkt, derr := wire.Decode(data)
			if derr != nil {
				r.m.malformedTotal.Inc()
				r.log.Debug().Err(derr).Msg("router: dropping malformed packet")
			} else {
				r.dispatch(pkt)
			}
		} else if !isTimeout(err) {
			r.log.Debug().Err(err).Msg("router: receive error")
		}

		// 4. Drain send queue again (handlers may have enqueued).
		r.drainSend()

		// 5. Invoke tick callback.
		r.mu.Lock()
		tick := r.tick
		r.mu.Unlock()
		if tick != nil {
			tick(now)
		}

		// 6. Drain send queue again (tick may have enqueued).
		r.drainSend()

		// 7. Keepalive on send idleness.
		r.mu.Lock()
		lastSend := r.lastSend
		lastRecv := r.lastRecv
		r.mu.Unlock()
		if now.Sub(lastSend) >= keepaliveEvery {
			r.m.keepalivesSentTotal.Inc()
			r.sendBuiltin(wire.Packet{Type: wire.TypeKeepalive})
		}

		// 8. Liveness timeout.
		if now.Sub(lastRecv) >= livenessTimeout {
			r.m.livenessTimeoutsTotal.Inc()
			r.log.Warn().Msg("router: peer liveness timeout, stopping")
			if r.DeadFunc != nil {
				r.DeadFunc()
			}
			return
		}
	}
}

func (r *Router) dispatch(pkt wire.Packet) {
	switch pkt.Type {
	case wire.TypeKeepalive:
		r.sendBuiltin(wire.Packet{Type: wire.TypeKeepaliveAck})
		return
	case wire.TypeKeepaliveAck:
		return
	}

	r.mu.Lock()
	h := r.handlers[pkt.Type]
	r.mu.Unlock()
	if h != nil {
		h(pkt)
	} else {
		r.log.Debug().Stringer("type", pkt.Type).Msg("router: no handler registered")
	}
}

func (r *Router) sendBuiltin(pkt wire.Packet) {
	enc, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.sendQ = append(r.sendQ, enc)
	r.mu.Unlock()
}

func (r *Router) drainSend() {
	r.mu.Lock()
	q := r.sendQ
	r.sendQ = nil
	r.mu.Unlock()

	if len(q) == 0 {
		return
	}
	now := time.Now()
	for _, b := range q {
		if err := r.transport.Send(b); err != nil {
			r.log.Debug().Err(err).Msg("router: send error")
			continue
		}
		r.m.datagramsSentTotal.Inc()
	}
	r.mu.Lock()
	r.lastSend = now
	r.mu.Unlock()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
