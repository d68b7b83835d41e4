package securedgram

import (
	"net"
	"net/netip"
	"time"
)

// minDTLSContentType and maxDTLSContentType bound the DTLS record content
// types (ChangeCipherSpec=0x14 .. Application Data=0x17). Anything outside
// this range during the handshake is a stale PUNCH/PUNCH_ACK or a priming
// byte, not a DTLS record.
const (
	minDTLSContentType = 0x14
	maxDTLSContentType = 0x17
)

// filteringPacketConn adapts an already-bound *net.UDPConn, fixed to a
// single remote endpoint, into the net.Conn pion/dtls expects. Before the
// handshake completes it discards anything that doesn't look like a DTLS
// record; afterwards it discards anything not from the confirmed remote
// address. Both checks exist because the socket keeps receiving stray
// priming bytes and hole-punch traffic from the same address for a while
// after the handshake starts.
type filteringPacketConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	handshaking bool
}

func newFilteringPacketConn(conn *net.UDPConn, remote netip.AddrPort) *filteringPacketConn {
	return &filteringPacketConn{
		conn:        conn,
		remote:      net.UDPAddrFromAddrPort(remote),
		handshaking: true,
	}
}

// doneHandshaking disables the content-type filter; only the source-address
// filter remains.
func (c *filteringPacketConn) doneHandshaking() {
	c.handshaking = false
}

func (c *filteringPacketConn) Read(p []byte) (int, error) {
	for {
		n, addr, err := c.conn.ReadFromUDP(p)
		if err != nil {
			return 0, err
		}
		if !addr.IP.Equal(c.remote.IP) || addr.Port != c.remote.Port {
			continue
		}
		if c.handshaking {
			if n == 0 || p[0] < minDTLSContentType || p[0] > maxDTLSContentType {
				continue
			}
		}
		return n, nil
	}
}

func (c *filteringPacketConn) Write(p []byte) (int, error) {
	return c.conn.WriteToUDP(p, c.remote)
}

func (c *filteringPacketConn) Close() error {
	// The underlying socket is owned by the caller (it is reused for
	// future hole punches on retry), so Close is a no-op here.
	return nil
}

func (c *filteringPacketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *filteringPacketConn) RemoteAddr() net.Addr { return c.remote }

func (c *filteringPacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *filteringPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *filteringPacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
