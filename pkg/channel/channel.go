// Package channel implements the reliable, ordered data channel spec.md
// §4.11 describes: it wires the RTT estimator, congestion controller, send
// window, and receive buffer over a router, presenting applications with a
// blocking send_data, an unwindowed send_control, and delivery callbacks.
package channel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/cc"
	"github.com/r2northstar/p2pxfer/pkg/recvbuffer"
	"github.com/r2northstar/p2pxfer/pkg/router"
	"github.com/r2northstar/p2pxfer/pkg/rtt"
	"github.com/r2northstar/p2pxfer/pkg/sendwindow"
	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// ErrClosed is returned by send_data and send_control once the channel has
// been closed.
var ErrClosed = errors.New("channel: closed")

// headerOverhead and dataSubheaderOverhead together bound max_chunk_data,
// per spec.md §4.11.
const (
	headerOverhead        = wire.HeaderSize
	dataSubheaderOverhead = 12
)

// controlTypes are the non-DATA/SACK message types the channel dispatches
// to the registered ControlHandler, per spec.md §4.11.
var controlTypes = []wire.Type{
	wire.TypeFileOffer,
	wire.TypeFileAccept,
	wire.TypeFileReject,
	wire.TypeComplete,
	wire.TypeVerified,
	wire.TypeCancel,
}

// DataHandler is invoked for every in-order delivered DATA payload's chunk
// bytes (the 12-byte subheader already stripped), along with the
// informational flags the sender attached to that packet.
type DataHandler func(chunkIndex uint32, byteOffset uint64, bytes []byte, flags wire.Flags)

// ControlHandler is invoked for every non-DATA/SACK packet the channel
// receives, i.e. FILE_OFFER, FILE_ACCEPT, FILE_REJECT, COMPLETE, VERIFIED,
// CANCEL.
type ControlHandler func(pkt wire.Packet)

// AllAckedHandler is invoked once the send window drains to zero in-flight
// records after having held at least one.
type AllAckedHandler func()

// Channel is the reliable ordered data channel. The zero value is not
// usable; construct with New.
type Channel struct {
	r   *router.Router
	log zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	rtt  *rtt.Estimator
	cc   *cc.Controller
	send *sendwindow.Window
	recv *recvbuffer.Buffer

	connectionID uint32
	dataFlags    wire.Flags
	closed       bool
	everInflight bool

	peerRecvWindow int

	onData     DataHandler
	onControl  ControlHandler
	onAllAcked AllAckedHandler

	metricsOnce sync.Once
	m           channelMetrics
}

type channelMetrics struct {
	set *metrics.Set

	dataSentTotal       *metrics.Counter
	dataRetransmitTotal *metrics.Counter
	sacksSentTotal      *metrics.Counter
	sacksReceivedTotal  *metrics.Counter
	fastRetransmitTotal *metrics.Counter
}

// New constructs a Channel bound to r with connectionID, registering its
// DATA/SACK handlers and tick callback. startSeq should be a
// cryptographically random value (see NewRandomSeq). Until the first SACK
// arrives, the peer's receive window is taken as recvbuffer.MaxWindow.
func New(r *router.Router, log zerolog.Logger, connectionID uint32, startSeq uint32) *Channel {
	ch := &Channel{
		r:            r,
		log:          log,
		rtt:          rtt.New(),
		cc:           cc.New(),
		send:         sendwindow.New(startSeq),
		recv:         recvbuffer.New(),
		connectionID: connectionID,
		// No SACK observed yet: assume the largest window we would ever
		// advertise ourselves, so the first batch of sends isn't starved.
		peerRecvWindow: recvbuffer.MaxWindow,
	}
	ch.cond = sync.NewCond(&ch.mu)

	r.AddHandler(wire.TypeData, ch.handleData)
	r.AddHandler(wire.TypeSack, ch.handleSack)
	for _, t := range controlTypes {
		r.AddHandler(t, ch.DispatchControl)
	}
	r.SetTickCallback(ch.tick)

	return ch
}

// NewRandomSeq returns a cryptographically random 32-bit initial sequence,
// per spec.md §4.11.
func NewRandomSeq() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (ch *Channel) metricsSet() *metrics.Set {
	ch.metricsOnce.Do(func() {
		ch.m.set = metrics.NewSet()
		ch.m.dataSentTotal = ch.m.set.NewCounter(`p2pxfer_channel_data_sent_total`)
		ch.m.dataRetransmitTotal = ch.m.set.NewCounter(`p2pxfer_channel_data_retransmit_total`)
		ch.m.sacksSentTotal = ch.m.set.NewCounter(`p2pxfer_channel_sacks_sent_total`)
		ch.m.sacksReceivedTotal = ch.m.set.NewCounter(`p2pxfer_channel_sacks_received_total`)
		ch.m.fastRetransmitTotal = ch.m.set.NewCounter(`p2pxfer_channel_fast_retransmit_total`)
	})
	return ch.m.set
}

// MaxChunkData is the largest chunk payload that fits in one DATA datagram
// given the transport's send limit.
func (ch *Channel) MaxChunkData() int {
	limit := ch.r.SendLimit() - headerOverhead - dataSubheaderOverhead
	if limit < 0 {
		return 0
	}
	return limit
}

// OnDataReceived registers fn as the in-order DATA delivery callback.
func (ch *Channel) OnDataReceived(fn DataHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onData = fn
}

// OnControlPacket registers fn as the control-packet callback.
func (ch *Channel) OnControlPacket(fn ControlHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onControl = fn
}

// OnAllAcked registers fn, invoked once in-flight drains to zero having
// been non-zero.
func (ch *Channel) OnAllAcked(fn AllAckedHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onAllAcked = fn
}

// SetDataFlags sets the informational flags attached to every subsequent
// DATA packet this channel sends (e.g. FlagCompressed, set for the whole
// lifetime of a transfer rather than negotiated per chunk).
func (ch *Channel) SetDataFlags(flags wire.Flags) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.dataFlags = flags
}

// InflightCount returns the number of un-acked DATA records.
func (ch *Channel) InflightCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.send.InflightCount()
}

// effectiveWindow returns min(cwnd, peer's advertised receive window).
// Caller must hold ch.mu.
func (ch *Channel) effectiveWindow() int {
	return ch.cc.EffectiveWindow(ch.peerRecvWindow)
}

// SendData blocks until inflight_count() < effective_window, then encodes
// and transmits one DATA packet carrying bytes at the given chunk_index and
// byte_offset.
func (ch *Channel) SendData(chunkIndex uint32, byteOffset uint64, bytes []byte) error {
	ch.mu.Lock()
	for {
		if ch.closed {
			ch.mu.Unlock()
			return ErrClosed
		}
		if ch.send.InflightCount() < ch.effectiveWindow() {
			break
		}
		ch.cond.Wait()
	}

	payload := wire.EncodeData(wire.DataHeader{ChunkIndex: chunkIndex, ByteOffset: byteOffset}, bytes)
	now := time.Now()
	seq := ch.send.PeekSeq()
	flags := ch.dataFlags
	enc, err := wire.Encode(wire.Packet{
		Type:         wire.TypeData,
		Flags:        flags,
		ConnectionID: ch.connectionID,
		Sequence:     seq,
		Payload:      payload,
	})
	if err != nil {
		ch.mu.Unlock()
		return err
	}
	ch.send.Track(enc, now)
	ch.everInflight = true
	ch.metricsSet()
	ch.m.dataSentTotal.Inc()
	ch.mu.Unlock()

	return ch.r.Send(enc)
}

// SendControl transmits pkt unwindowed and un-acked at this layer: for
// FILE_OFFER, FILE_ACCEPT, FILE_REJECT, COMPLETE, VERIFIED, CANCEL.
func (ch *Channel) SendControl(pkt wire.Packet) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.mu.Unlock()

	pkt.ConnectionID = ch.connectionID
	return ch.r.SendPacket(pkt)
}

// Close unregisters the channel's handlers, wakes every backpressure
// waiter, and discards any remaining send-window records.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.closed = true
	ch.send.Abandon()
	ch.cond.Broadcast()
	ch.mu.Unlock()

	ch.r.RemoveHandler(wire.TypeData)
	ch.r.RemoveHandler(wire.TypeSack)
	for _, t := range controlTypes {
		ch.r.RemoveHandler(t)
	}
}

func (ch *Channel) handleData(pkt wire.Packet) {
	// Validate the subheader is at least present before buffering; the
	// receive buffer itself is agnostic to payload structure, so the full
	// payload (subheader + chunk) is what gets delivered in order. The
	// packet's flags byte is prefixed onto the buffered bytes so it
	// survives reordering inside the receive buffer alongside its chunk.
	if _, _, err := wire.DecodeData(pkt.Payload); err != nil {
		ch.log.Debug().Err(err).Msg("channel: dropping malformed DATA")
		return
	}
	buffered := make([]byte, 1+len(pkt.Payload))
	buffered[0] = byte(pkt.Flags)
	copy(buffered[1:], pkt.Payload)

	ch.mu.Lock()
	delivered := ch.recv.Deliver(pkt.Sequence, buffered)
	onData := ch.onData
	ch.mu.Unlock()

	if onData != nil {
		for _, d := range delivered {
			if len(d.Bytes) < 1 {
				continue
			}
			flags := wire.Flags(d.Bytes[0])
			hdr, chunk, err := wire.DecodeData(d.Bytes[1:])
			if err != nil {
				// Cannot happen: every buffered payload already passed
				// the check above before being accepted into the buffer.
				continue
			}
			onData(hdr.ChunkIndex, hdr.ByteOffset, chunk, flags)
		}
	}

	ch.maybeSendAck()
}

func (ch *Channel) handleSack(pkt wire.Packet) {
	s, err := wire.DecodeSack(pkt.Payload)
	if err != nil {
		ch.log.Debug().Err(err).Msg("channel: dropping malformed SACK")
		return
	}

	ch.mu.Lock()
	ch.metricsSet()
	ch.m.sacksReceivedTotal.Inc()

	// Determine whether the cumulative edge advances by checking, before
	// ProcessSack mutates the window, whether any tracked record would be
	// removed by it.
	advanced := ch.cumulativeAdvanced(s.CumulativeAck)

	now := time.Now()
	if advanced {
		// Sample RTT from the record at the cumulative ack (the newest
		// record the advanced edge covers),
		// respecting Karn's rule (never sample a retransmitted record).
		if sendTime, ok := ch.send.SendTime(s.CumulativeAck); ok && !ch.send.WasRetransmitted(s.CumulativeAck) {
			ch.rtt.Sample(now.Sub(sendTime))
		}
	}

	lost := ch.send.ProcessSack(s)

	if advanced {
		ch.cc.OnAck()
	} else if len(s.Ranges) > 0 {
		if fastRetransmit := ch.cc.OnDuplicateAck(); fastRetransmit {
			ch.m.fastRetransmitTotal.Inc()
			for _, seq := range lost {
				ch.retransmitLocked(seq, now)
			}
		}
	}

	ch.peerRecvWindow = int(s.ReceiverWindow)

	if ch.send.InflightCount() == 0 && ch.everInflight && ch.onAllAcked != nil {
		fn := ch.onAllAcked
		ch.cond.Broadcast()
		ch.mu.Unlock()
		fn()
		return
	}
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

// cumulativeAdvanced reports whether newCumulative is at-or-after every
// currently tracked sequence below it used to be, i.e. whether applying it
// would remove at least one record. Caller must hold ch.mu.
func (ch *Channel) cumulativeAdvanced(newCumulative uint32) bool {
	for _, seq := range ch.send.Seqs() {
		if seq == newCumulative || wire.SeqBefore(seq, newCumulative) {
			return true
		}
	}
	return false
}

func (ch *Channel) retransmitLocked(seq uint32, now time.Time) {
	enc, ok := ch.send.Encoded(seq)
	if !ok {
		return
	}
	ch.send.MarkRetransmitted(seq, now)
	ch.metricsSet()
	ch.m.dataRetransmitTotal.Inc()
	_ = ch.r.Send(enc)
}

func (ch *Channel) maybeSendAck() {
	ch.mu.Lock()
	now := time.Now()
	if !ch.recv.ShouldSendAck(now) {
		ch.mu.Unlock()
		return
	}
	sack := ch.recv.GenerateSack()
	ch.recv.AckSent(now)
	ch.metricsSet()
	ch.m.sacksSentTotal.Inc()
	ch.mu.Unlock()

	enc, err := wire.Encode(wire.Packet{
		Type:         wire.TypeSack,
		ConnectionID: ch.connectionID,
		Payload:      wire.EncodeSack(sack),
	})
	if err != nil {
		return
	}
	_ = ch.r.Send(enc)
}

// tick is installed as the router's TickFunc. It runs under the router's
// pump goroutine, per spec.md §4.11's router-integration contract.
func (ch *Channel) tick(now time.Time) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return
	}

	rto := ch.rtt.RTO()
	for _, rec := range ch.send.Retransmittable(now, rto) {
		ch.send.MarkRetransmitted(rec.Seq, now)
		ch.rtt.Backoff()
		ch.cc.OnLoss()
		ch.metricsSet()
		ch.m.dataRetransmitTotal.Inc()
		_ = ch.r.Send(rec.Encoded)
	}

	if ch.recv.ShouldSendAck(now) {
		sack := ch.recv.GenerateSack()
		ch.recv.AckSent(now)
		ch.metricsSet()
		ch.m.sacksSentTotal.Inc()
		enc, err := wire.Encode(wire.Packet{
			Type:         wire.TypeSack,
			ConnectionID: ch.connectionID,
			Payload:      wire.EncodeSack(sack),
		})
		if err == nil {
			_ = ch.r.Send(enc)
		}
	}
}

// WritePrometheus writes the channel's counters in Prometheus text format.
func (ch *Channel) WritePrometheus(w io.Writer) {
	ch.metricsSet().WritePrometheus(w)
}

// DataSentTotal returns the number of DATA packets sent so far by SendData;
// retransmits are counted by DataRetransmitTotal.
func (ch *Channel) DataSentTotal() uint64 {
	ch.metricsSet()
	return ch.m.dataSentTotal.Get()
}

// DataRetransmitTotal returns the number of DATA packets resent, either on
// tick-based timeout or fast retransmit.
func (ch *Channel) DataRetransmitTotal() uint64 {
	ch.metricsSet()
	return ch.m.dataRetransmitTotal.Get()
}

// DispatchControl routes non-DATA/SACK packets to the registered control
// handler. Callers that want the channel to own full router registration
// (rather than a surrounding dispatcher) can register this directly with
// router.AddHandler for each control type they care about.
func (ch *Channel) DispatchControl(pkt wire.Packet) {
	ch.mu.Lock()
	fn := ch.onControl
	ch.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}
