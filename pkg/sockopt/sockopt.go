// Package sockopt tunes a bound UDP socket's kernel buffer sizes and
// address-reuse behavior, per SPEC_FULL.md's domain-stack wiring of
// golang.org/x/sys.
package sockopt

import "net"

// Defaults match the effective window's upper bound (spec.md §4.9: up to
// 512 in-flight datagrams) times the max datagram size, rounded up, so a
// burst of SACK-driven retransmits never blocks on a full kernel buffer.
const (
	DefaultRecvBuffer = 1 << 20
	DefaultSendBuffer = 1 << 20
)

// Tune applies recvBuf/sendBuf (bytes, 0 meaning "leave the kernel default")
// to conn. Buffer-size failures are non-fatal on most kernels (the kernel
// clamps rather than errors), so Tune reports them but callers may choose to
// log and continue.
func Tune(conn *net.UDPConn, recvBuf, sendBuf int) error {
	if recvBuf > 0 {
		if err := conn.SetReadBuffer(recvBuf); err != nil {
			return err
		}
	}
	if sendBuf > 0 {
		if err := conn.SetWriteBuffer(sendBuf); err != nil {
			return err
		}
	}
	return reuseAddr(conn)
}
