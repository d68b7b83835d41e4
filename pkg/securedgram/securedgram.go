// Package securedgram implements the encrypted datagram abstraction spec.md
// §4.5 describes over a DTLS 1.2 PSK session, and the router.Transport it
// satisfies.
package securedgram

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Transport is the abstraction the packet router consumes: send, a
// timeout-bounded receive, and the largest single datagram it will pass.
type Transport interface {
	Send(b []byte) error
	Receive(buf []byte, timeout time.Duration) ([]byte, error)
	SendLimit() int
}

// ErrHandshakeFailed wraps the last attempt's error after every retry in the
// handshake envelope (spec.md §4.5) is exhausted.
type ErrHandshakeFailed struct {
	Attempts int
	Last     error
}

func (e *ErrHandshakeFailed) Error() string {
	return fmt.Sprintf("securedgram: handshake failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrHandshakeFailed) Unwrap() error { return e.Last }

var errTimeout = errors.New("securedgram: receive timeout")

// ErrTimeout is returned by Receive when no datagram arrives within the
// requested timeout.
var ErrTimeout = errTimeout

// netErrIsTimeout reports whether err is a timeout in the net.Error sense,
// which is how the stdlib signals a deadline exceeded on a read.
func netErrIsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
