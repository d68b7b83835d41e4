// Package recvbuffer implements the out-of-order reassembly, adaptive
// receive window, and delayed-ACK bookkeeping spec.md §4.10 describes.
package recvbuffer

import (
	"sort"
	"time"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

const (
	// InitialWindow is the advertised window before any growth/shrink.
	InitialWindow = 256
	// MaxWindow is the ceiling max_window may grow to.
	MaxWindow = 512
	// MinWindow is the floor max_window may shrink to.
	MinWindow = 32

	// DelayedAckThreshold is the number of un-acked deliveries that force
	// an ACK even with no gap.
	DelayedAckThreshold = 2
	// AckTimer is the maximum time to hold an ACK before sending anyway.
	AckTimer = 10 * time.Millisecond

	// GrowThreshold is the number of consecutive in-order deliveries (with
	// an empty gap map) that triggers a window increase.
	GrowThreshold = 128
	// GrowIncrement is how much max_window grows by once GrowThreshold is
	// reached.
	GrowIncrement = 32
	// ShrinkPressure is the gap-map-size-to-max_window ratio that triggers
	// a window halving.
	ShrinkPressure = 0.5
)

// Delivered is one packet handed back to the caller in sequence order.
type Delivered struct {
	Seq   uint32
	Bytes []byte
}

// Buffer reassembles a DATA stream into in-order delivery, tracks gaps for
// SACK generation, and adapts its advertised window to buffering pressure.
// Not safe for concurrent use; the reliable channel's single lock
// serializes access (spec.md §5).
type Buffer struct {
	initialized bool
	expectedSeq uint32

	gaps map[uint32][]byte

	acksSinceLast      int
	lastAckTime        time.Time
	gapDetected        bool
	maxWindow          int
	consecutiveInOrder int
}

// New returns an empty Buffer. It lazily adopts expectedSeq from the first
// delivered sequence, per spec.md §4.11.
func New() *Buffer {
	return &Buffer{
		gaps:      make(map[uint32][]byte),
		maxWindow: InitialWindow,
	}
}

// Deliver processes one received sequence/payload pair, returning any
// packets now ready for in-order delivery (possibly including seq itself,
// possibly none if seq is a duplicate or still ahead of a gap).
func (b *Buffer) Deliver(seq uint32, bytes []byte) []Delivered {
	if !b.initialized {
		b.expectedSeq = seq
		b.initialized = true
	}

	if wire.SeqBefore(seq, b.expectedSeq) {
		return nil
	}

	if seq == b.expectedSeq {
		out := []Delivered{{Seq: seq, Bytes: bytes}}
		b.expectedSeq++
		for {
			next, ok := b.gaps[b.expectedSeq]
			if !ok {
				break
			}
			delete(b.gaps, b.expectedSeq)
			out = append(out, Delivered{Seq: b.expectedSeq, Bytes: next})
			b.expectedSeq++
		}

		if len(b.gaps) == 0 {
			b.consecutiveInOrder += len(out)
			if b.consecutiveInOrder >= GrowThreshold {
				b.maxWindow = minInt(b.maxWindow+GrowIncrement, MaxWindow)
				b.consecutiveInOrder = 0
			}
		} else {
			b.consecutiveInOrder = 0
		}

		b.acksSinceLast += len(out)
		return out
	}

	// seq is ahead of expected: buffer it if new.
	if _, dup := b.gaps[seq]; !dup {
		b.gaps[seq] = bytes
		b.gapDetected = true
	}
	b.consecutiveInOrder = 0

	if float64(len(b.gaps)) > float64(b.maxWindow)*ShrinkPressure && b.maxWindow > MinWindow {
		b.maxWindow = maxInt(b.maxWindow/2, MinWindow)
	}

	b.acksSinceLast++
	return nil
}

// AdvertisedWindow returns the receive window to advertise to the peer.
func (b *Buffer) AdvertisedWindow() int {
	return b.maxWindow - len(b.gaps)
}

// GenerateSack builds the current SACK info: the cumulative ack and the
// coalesced out-of-order ranges above it.
func (b *Buffer) GenerateSack() wire.Sack {
	s := wire.Sack{
		CumulativeAck:  b.expectedSeq - 1,
		ReceiverWindow: uint32(b.AdvertisedWindow()),
	}
	if len(b.gaps) == 0 {
		return s
	}

	keys := make([]uint32, 0, len(b.gaps))
	for k := range b.gaps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return wire.SeqBefore(keys[i], keys[j]) })

	var ranges []wire.SackRange
	start, end := keys[0], keys[0]
	for _, k := range keys[1:] {
		if k == end+1 {
			end = k
			continue
		}
		ranges = append(ranges, wire.SackRange{Start: start, End: end})
		start, end = k, k
	}
	ranges = append(ranges, wire.SackRange{Start: start, End: end})
	s.Ranges = ranges
	return s
}

// ShouldSendAck reports whether a SACK is due, per spec.md §4.10.
func (b *Buffer) ShouldSendAck(now time.Time) bool {
	if b.acksSinceLast <= 0 {
		return false
	}
	if b.gapDetected {
		return true
	}
	if b.acksSinceLast >= DelayedAckThreshold {
		return true
	}
	return now.Sub(b.lastAckTime) >= AckTimer
}

// AckSent records that a SACK was just emitted.
func (b *Buffer) AckSent(now time.Time) {
	b.acksSinceLast = 0
	b.gapDetected = false
	b.lastAckTime = now
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
