package sendwindow

import (
	"testing"
	"time"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

func TestTrackAssignsSequentialSeqs(t *testing.T) {
	w := New(100)
	now := time.Now()
	s1 := w.Track([]byte("a"), now)
	s2 := w.Track([]byte("b"), now)
	if s1 != 100 || s2 != 101 {
		t.Fatalf("got seqs %d,%d want 100,101", s1, s2)
	}
	if w.InflightCount() != 2 {
		t.Fatalf("inflight = %d, want 2", w.InflightCount())
	}
}

func TestProcessSackAdvancesBase(t *testing.T) {
	w := New(0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		w.Track([]byte{byte(i)}, now)
	}
	lost := w.ProcessSack(wire.Sack{CumulativeAck: 2})
	if len(lost) != 0 {
		t.Fatalf("expected no lost seqs, got %v", lost)
	}
	if w.InflightCount() != 2 {
		t.Fatalf("inflight = %d, want 2 (seqs 3,4 remain)", w.InflightCount())
	}
	for _, seq := range []uint32{0, 1, 2} {
		if _, ok := w.SendTime(seq); ok {
			t.Fatalf("seq %d should have been removed", seq)
		}
	}
}

func TestProcessSackMarksRangesAckedAndDetectsLoss(t *testing.T) {
	w := New(0)
	now := time.Now()
	for i := 0; i < 6; i++ {
		w.Track([]byte{byte(i)}, now)
	}
	// cumulative ack at 0 (nothing contiguous acked yet), but 2..2 and 4..5
	// have arrived out of order; seq 1 is presumed lost (below first range,
	// unacked).
	lost := w.ProcessSack(wire.Sack{
		CumulativeAck: 0,
		Ranges: []wire.SackRange{
			{Start: 2, End: 2},
			{Start: 4, End: 5},
		},
	})
	foundOne := false
	for _, s := range lost {
		if s == 1 {
			foundOne = true
		}
	}
	if !foundOne {
		t.Fatalf("expected seq 1 reported lost, got %v", lost)
	}
	if w.InflightCount() != 5 {
		t.Fatalf("inflight = %d, want 5 (seq 0 removed by cumulative ack)", w.InflightCount())
	}
}

func TestRetransmittable(t *testing.T) {
	w := New(0)
	base := time.Now()
	w.Track([]byte("a"), base)
	rto := 50 * time.Millisecond

	if got := w.Retransmittable(base, rto); len(got) != 0 {
		t.Fatalf("expected nothing retransmittable immediately, got %d", len(got))
	}
	later := base.Add(rto + time.Millisecond)
	got := w.Retransmittable(later, rto)
	if len(got) != 1 || got[0].Seq != 0 {
		t.Fatalf("expected seq 0 retransmittable, got %v", got)
	}
}

func TestMarkRetransmittedAndWasRetransmitted(t *testing.T) {
	w := New(0)
	now := time.Now()
	w.Track([]byte("a"), now)
	if w.WasRetransmitted(0) {
		t.Fatalf("should not be retransmitted yet")
	}
	later := now.Add(time.Second)
	w.MarkRetransmitted(0, later)
	if !w.WasRetransmitted(0) {
		t.Fatalf("expected retransmitted flag set")
	}
	st, ok := w.SendTime(0)
	if !ok || !st.Equal(later) {
		t.Fatalf("send time not updated on retransmit: %v", st)
	}
}

func TestSeqWraparound(t *testing.T) {
	w := New(^uint32(0) - 1) // near max uint32
	now := time.Now()
	s1 := w.Track([]byte("a"), now) // max-1
	s2 := w.Track([]byte("b"), now) // max
	s3 := w.Track([]byte("c"), now) // wraps to 0

	lost := w.ProcessSack(wire.Sack{CumulativeAck: s2})
	if len(lost) != 0 {
		t.Fatalf("unexpected lost: %v", lost)
	}
	if w.InflightCount() != 1 {
		t.Fatalf("inflight = %d, want 1 (only s3 remains)", w.InflightCount())
	}
	if _, ok := w.SendTime(s3); !ok {
		t.Fatalf("seq %d (post-wrap) should still be tracked", s3)
	}
	_ = s1
}

func TestAbandonClearsState(t *testing.T) {
	w := New(0)
	now := time.Now()
	w.Track([]byte("a"), now)
	w.Track([]byte("b"), now)
	w.Abandon()
	if w.InflightCount() != 0 {
		t.Fatalf("expected empty window after abandon")
	}
}
