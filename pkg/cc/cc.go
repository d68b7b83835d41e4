// Package cc implements the AIMD congestion controller spec.md §4.8
// describes: slow start, congestion avoidance, and fast retransmit on three
// duplicate acks.
package cc

const (
	initialCwnd     = 32
	initialSsthresh = 2048

	// MinSsthresh is the floor ssthresh is never allowed to drop below.
	MinSsthresh = 2

	// FastRetransmitThreshold is the number of duplicate acks that trigger
	// a loss event and fast retransmit.
	FastRetransmitThreshold = 3
)

// Controller holds the AIMD state. Not safe for concurrent use; the
// reliable channel's single lock serializes access (spec.md §5).
type Controller struct {
	cwnd     float64
	ssthresh int
	dupAcks  int
}

// New returns a Controller with the initial window and threshold.
func New() *Controller {
	return &Controller{
		cwnd:     initialCwnd,
		ssthresh: initialSsthresh,
	}
}

// Cwnd returns the current congestion window, floored to an integer.
func (c *Controller) Cwnd() int {
	return int(c.cwnd)
}

// Ssthresh returns the current slow-start threshold.
func (c *Controller) Ssthresh() int {
	return c.ssthresh
}

// OnAck records a (non-duplicate) acknowledgment, growing the window.
func (c *Controller) OnAck() {
	c.dupAcks = 0
	if int(c.cwnd) < c.ssthresh {
		c.cwnd++ // slow start
	} else {
		c.cwnd += 1 / c.cwnd // congestion avoidance
	}
}

// OnDuplicateAck records a duplicate ack. It returns true exactly when the
// threshold is reached and a loss event (and fast retransmit) should fire.
func (c *Controller) OnDuplicateAck() bool {
	c.dupAcks++
	if c.dupAcks >= FastRetransmitThreshold {
		c.OnLoss()
		return true
	}
	return false
}

// OnLoss halves the window (floored at MinSsthresh) and resets the
// duplicate-ack counter.
func (c *Controller) OnLoss() {
	half := int(c.cwnd) / 2
	if half < MinSsthresh {
		half = MinSsthresh
	}
	c.ssthresh = half
	c.cwnd = float64(c.ssthresh)
	c.dupAcks = 0
}

// EffectiveWindow returns min(floor(cwnd), recvWindow).
func (c *Controller) EffectiveWindow(recvWindow int) int {
	cw := int(c.cwnd)
	if recvWindow < cw {
		return recvWindow
	}
	return cw
}
