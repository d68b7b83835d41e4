package cc

import "testing"

func TestSlowStartDoubles(t *testing.T) {
	c := New()
	for i := 0; i < 32; i++ {
		c.OnAck()
	}
	if c.Cwnd() != 64 {
		t.Fatalf("cwnd = %d, want 64", c.Cwnd())
	}
}

func TestCongestionAvoidanceLinearGrowth(t *testing.T) {
	c := New()
	c.ssthresh = 40
	c.cwnd = 40
	for i := 0; i < 40; i++ {
		c.OnAck()
	}
	if c.cwnd < 40.9 || c.cwnd > 41.1 {
		t.Fatalf("cwnd = %v, want ~41 (+/-0.1) after one RTT worth of acks", c.cwnd)
	}
}

func TestLossHalvesWindow(t *testing.T) {
	c := New()
	for i := 0; i < 100; i++ {
		c.OnAck()
	}
	before := c.Cwnd()
	c.OnLoss()
	want := before / 2
	if want < MinSsthresh {
		want = MinSsthresh
	}
	if c.Ssthresh() != want || c.Cwnd() != want {
		t.Fatalf("ssthresh=%d cwnd=%d, want %d", c.Ssthresh(), c.Cwnd(), want)
	}
}

func TestLossFloorsAtMinSsthresh(t *testing.T) {
	c := New()
	c.cwnd = 2
	c.OnLoss()
	if c.Ssthresh() != MinSsthresh || c.Cwnd() != MinSsthresh {
		t.Fatalf("expected floor at %d, got ssthresh=%d cwnd=%d", MinSsthresh, c.Ssthresh(), c.Cwnd())
	}
}

func TestThreeDuplicateAcksTriggerLossOnce(t *testing.T) {
	c := New()
	for i := 0; i < 100; i++ {
		c.OnAck()
	}
	before := c.Cwnd()
	var fired int
	for i := 0; i < 3; i++ {
		if c.OnDuplicateAck() {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expected loss to fire exactly once, fired %d times", fired)
	}
	if c.Cwnd() >= before {
		t.Fatalf("expected window to shrink after loss")
	}
}

func TestEffectiveWindow(t *testing.T) {
	c := New()
	if got := c.EffectiveWindow(10); got != 10 {
		t.Fatalf("effective window = %d, want 10 (min with recv window)", got)
	}
	if got := c.EffectiveWindow(10000); got != c.Cwnd() {
		t.Fatalf("effective window = %d, want cwnd %d", got, c.Cwnd())
	}
}
