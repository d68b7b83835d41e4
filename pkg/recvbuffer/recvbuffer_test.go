package recvbuffer

import (
	"testing"
	"time"
)

func TestInOrderDeliveryLazyInit(t *testing.T) {
	b := New()
	out := b.Deliver(42, []byte("a"))
	if len(out) != 1 || out[0].Seq != 42 {
		t.Fatalf("expected immediate delivery of seq 42, got %v", out)
	}
	out = b.Deliver(43, []byte("b"))
	if len(out) != 1 || out[0].Seq != 43 {
		t.Fatalf("expected immediate delivery of seq 43, got %v", out)
	}
}

func TestDuplicateAndOldIgnored(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("a"))
	b.Deliver(1, []byte("b"))
	if out := b.Deliver(0, []byte("dup")); out != nil {
		t.Fatalf("expected nil for duplicate, got %v", out)
	}
}

func TestOutOfOrderBufferedThenDrained(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("0"))
	if out := b.Deliver(2, []byte("2")); out != nil {
		t.Fatalf("expected gap buffering to yield no delivery, got %v", out)
	}
	if out := b.Deliver(3, []byte("3")); out != nil {
		t.Fatalf("expected gap buffering to yield no delivery, got %v", out)
	}
	out := b.Deliver(1, []byte("1"))
	if len(out) != 3 {
		t.Fatalf("expected filling the gap to drain 3 packets, got %d", len(out))
	}
	for i, d := range out {
		if d.Seq != uint32(1+i) {
			t.Fatalf("delivered out of order: %v", out)
		}
	}
}

func TestDuplicateGapEntryIgnored(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("0"))
	b.Deliver(5, []byte("first"))
	b.Deliver(5, []byte("second"))
	// drain by filling 1..4; filling 4 releases the buffered seq 5
	var out []Delivered
	for i := uint32(1); i <= 4; i++ {
		out = b.Deliver(i, []byte{byte(i)})
	}
	if len(out) == 0 {
		t.Fatalf("expected seq 5 delivered once gaps filled")
	}
	if string(out[len(out)-1].Bytes) != "first" {
		t.Fatalf("expected first-buffered bytes to win, got %q", out[len(out)-1].Bytes)
	}
}

func TestAdvertisedWindowReflectsGaps(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("0"))
	if got := b.AdvertisedWindow(); got != InitialWindow {
		t.Fatalf("advertised window = %d, want %d", got, InitialWindow)
	}
	b.Deliver(2, []byte("2"))
	if got := b.AdvertisedWindow(); got != InitialWindow-1 {
		t.Fatalf("advertised window = %d, want %d", got, InitialWindow-1)
	}
}

func TestWindowGrowsAfterSustainedInOrderDelivery(t *testing.T) {
	b := New()
	seq := uint32(0)
	for i := 0; i < GrowThreshold; i++ {
		b.Deliver(seq, []byte{byte(i)})
		seq++
	}
	if b.maxWindow != InitialWindow+GrowIncrement {
		t.Fatalf("maxWindow = %d, want %d after %d in-order deliveries", b.maxWindow, InitialWindow+GrowIncrement, GrowThreshold)
	}
}

func TestWindowShrinksUnderGapPressure(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("0"))
	// buffer enough out-of-order packets to exceed maxWindow * ShrinkPressure
	threshold := int(float64(b.maxWindow)*ShrinkPressure) + 1
	for i := 0; i < threshold; i++ {
		b.Deliver(uint32(2+i), []byte{byte(i)})
	}
	if b.maxWindow >= InitialWindow {
		t.Fatalf("maxWindow = %d, want shrunk below %d", b.maxWindow, InitialWindow)
	}
}

func TestGenerateSackCoalescesRanges(t *testing.T) {
	b := New()
	b.Deliver(0, []byte("0"))
	for _, s := range []uint32{2, 3, 5} {
		b.Deliver(s, []byte{byte(s)})
	}
	sack := b.GenerateSack()
	if sack.CumulativeAck != 0 {
		t.Fatalf("cumulative ack = %d, want 0", sack.CumulativeAck)
	}
	if len(sack.Ranges) != 2 {
		t.Fatalf("expected 2 coalesced ranges, got %v", sack.Ranges)
	}
	if sack.Ranges[0].Start != 2 || sack.Ranges[0].End != 3 {
		t.Fatalf("first range wrong: %v", sack.Ranges[0])
	}
	if sack.Ranges[1].Start != 5 || sack.Ranges[1].End != 5 {
		t.Fatalf("second range wrong: %v", sack.Ranges[1])
	}
}

func TestShouldSendAckRules(t *testing.T) {
	b := New()
	now := time.Now()
	if b.ShouldSendAck(now) {
		t.Fatalf("should not ack with nothing delivered yet")
	}
	b.Deliver(0, []byte("0"))
	if !b.ShouldSendAck(now) {
		t.Fatalf("expected ack due immediately on first delivery (timer elapsed since zero value)")
	}
	b.AckSent(now)
	if b.ShouldSendAck(now) {
		t.Fatalf("should not ack again immediately after AckSent with nothing new")
	}

	b.Deliver(1, []byte("1"))
	if b.ShouldSendAck(now) {
		t.Fatalf("one delivery below threshold and within timer should not force ack")
	}
	b.Deliver(2, []byte("2"))
	if !b.ShouldSendAck(now) {
		t.Fatalf("reaching DelayedAckThreshold should force ack")
	}
}

func TestShouldSendAckOnGap(t *testing.T) {
	b := New()
	now := time.Now()
	b.Deliver(0, []byte("0"))
	b.AckSent(now)
	b.Deliver(2, []byte("2")) // gap
	if !b.ShouldSendAck(now) {
		t.Fatalf("expected gap_detected to force immediate ack")
	}
}

func TestAckSentClearsState(t *testing.T) {
	b := New()
	now := time.Now()
	b.Deliver(0, []byte("0"))
	b.Deliver(2, []byte("2"))
	b.AckSent(now)
	if b.acksSinceLast != 0 || b.gapDetected {
		t.Fatalf("AckSent did not clear counters")
	}
	if !b.lastAckTime.Equal(now) {
		t.Fatalf("AckSent did not record last ack time")
	}
}
