// Package sendwindow implements the per-sequence un-acked packet tracking,
// SACK processing, and retransmit scheduling spec.md §4.9 describes.
package sendwindow

import (
	"sort"
	"time"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// Record is a tracked in-flight packet.
type Record struct {
	Seq             uint32
	Encoded         []byte
	FirstSend       time.Time
	LastSend        time.Time
	Acked           bool
	Retransmitted   bool
	RetransmitCount int
}

// Window holds un-acked records, indexed by sequence number, in insertion
// order. It is not safe for concurrent use; the reliable channel's single
// lock serializes access (spec.md §5).
type Window struct {
	nextSeq uint32
	order   []uint32
	records map[uint32]*Record
}

// New creates a Window whose first tracked sequence will be startSeq. This
// lets the caller seed a cryptographically random initial sequence, as
// spec.md §4.11 requires.
func New(startSeq uint32) *Window {
	return &Window{
		nextSeq: startSeq,
		records: make(map[uint32]*Record),
	}
}

// PeekSeq returns the sequence that the next call to Track will assign,
// without consuming it. Callers that must embed the sequence in the
// packet bytes handed to Track (the wire header's CRC covers it) peek it
// first, encode, then Track.
func (w *Window) PeekSeq() uint32 {
	return w.nextSeq
}

// Track assigns the next sequence number to encoded and inserts a record for
// it, returning the assigned sequence. The caller is responsible for
// blocking outside this component until InflightCount() < effective window.
func (w *Window) Track(encoded []byte, now time.Time) uint32 {
	seq := w.nextSeq
	w.nextSeq++

	r := &Record{
		Seq:       seq,
		Encoded:   encoded,
		FirstSend: now,
		LastSend:  now,
	}
	w.records[seq] = r
	w.order = append(w.order, seq)
	return seq
}

// InflightCount returns the number of un-acked (not yet removed) records.
func (w *Window) InflightCount() int {
	return len(w.records)
}

// SendTime returns the last-send time of seq, for RTT sampling.
func (w *Window) SendTime(seq uint32) (time.Time, bool) {
	r, ok := w.records[seq]
	if !ok {
		return time.Time{}, false
	}
	return r.LastSend, true
}

// Encoded returns the tracked wire bytes for seq, for re-enqueuing on fast
// retransmit.
func (w *Window) Encoded(seq uint32) ([]byte, bool) {
	r, ok := w.records[seq]
	if !ok {
		return nil, false
	}
	return r.Encoded, true
}

// WasRetransmitted reports whether seq has ever been retransmitted, for
// Karn's rule.
func (w *Window) WasRetransmitted(seq uint32) bool {
	r, ok := w.records[seq]
	return ok && r.Retransmitted
}

// MarkRetransmitted sets the retransmitted flag, bumps the retransmit
// count, and updates the last-send time for seq.
func (w *Window) MarkRetransmitted(seq uint32, now time.Time) {
	r, ok := w.records[seq]
	if !ok {
		return
	}
	r.Retransmitted = true
	r.RetransmitCount++
	r.LastSend = now
}

// Retransmittable returns every un-acked record whose last send is older
// than rto.
func (w *Window) Retransmittable(now time.Time, rto time.Duration) []*Record {
	var out []*Record
	for _, seq := range w.order {
		r, ok := w.records[seq]
		if !ok || r.Acked {
			continue
		}
		if !r.LastSend.Add(rto).After(now) {
			out = append(out, r)
		}
	}
	return out
}

// ProcessSack applies a received SACK: it advances the base by removing
// every record at or before the cumulative ack (modular comparison), marks
// records within the SACK's ranges as acked, and returns the sequences of
// any un-acked records strictly before the first range's start (presumed
// lost), per spec.md §4.9.
func (w *Window) ProcessSack(s wire.Sack) (lost []uint32) {
	w.advanceBase(s.CumulativeAck)

	for _, rg := range s.Ranges {
		for _, seq := range w.order {
			if wire.SeqInRange(seq, rg.Start, rg.End) {
				if r, ok := w.records[seq]; ok {
					r.Acked = true
				}
			}
		}
	}

	if len(s.Ranges) > 0 {
		first := s.Ranges[0].Start
		for _, seq := range w.order {
			r, ok := w.records[seq]
			if !ok || r.Acked {
				continue
			}
			if wire.SeqBefore(seq, first) {
				lost = append(lost, seq)
			}
		}
	}

	w.compact()
	return lost
}

// advanceBase removes every record whose sequence is at-or-before
// cumulative, using modular comparison so wraparound is handled correctly.
func (w *Window) advanceBase(cumulative uint32) {
	for _, seq := range w.order {
		if seq == cumulative || wire.SeqBefore(seq, cumulative) {
			delete(w.records, seq)
		}
	}
	w.compact()
}

// compact drops removed sequences from the order slice, preserving order.
func (w *Window) compact() {
	if len(w.order) == len(w.records) {
		return
	}
	kept := w.order[:0]
	for _, seq := range w.order {
		if _, ok := w.records[seq]; ok {
			kept = append(kept, seq)
		}
	}
	w.order = kept
}

// Abandon discards all tracked records (used on channel close, spec.md §5).
func (w *Window) Abandon() {
	w.order = nil
	w.records = make(map[uint32]*Record)
}

// Seqs returns the tracked sequences sorted in modular sequence order,
// primarily for tests and diagnostics.
func (w *Window) Seqs() []uint32 {
	out := append([]uint32(nil), w.order...)
	sort.Slice(out, func(i, j int) bool { return wire.SeqBefore(out[i], out[j]) })
	return out
}
