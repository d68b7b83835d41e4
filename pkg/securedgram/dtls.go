package securedgram

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

const (
	// primingBytes is the number of 0x00 keepalive-shaped datagrams sent
	// before the handshake attempt, to keep NAT mappings alive. 0x00 is
	// not a valid DTLS content type nor a framed wire packet.
	primingBytes = 3

	// handshakeAttempts and the sleeps between them form the retry
	// envelope spec.md §4.5 describes.
	handshakeAttempts = 3

	// perAttemptDeadline bounds a single handshake attempt independent of
	// pion's internal retransmission loop.
	perAttemptDeadline = 30 * time.Second
)

var handshakeSleeps = []time.Duration{500 * time.Millisecond, 1 * time.Second, 1500 * time.Millisecond}

// Conn is a DTLS 1.2 PSK secure datagram session satisfying Transport.
type Conn struct {
	dtlsConn *dtls.Conn
	fpc      *filteringPacketConn
	log      zerolog.Logger
}

// HandshakeParams carries everything needed to establish the session.
type HandshakeParams struct {
	// Socket is the already hole-punched, bound UDP socket.
	Socket *net.UDPConn
	// Remote is the peer's confirmed endpoint.
	Remote netip.AddrPort
	// Local is this side's own publicly observed endpoint, as reported by
	// the coordinator. Both sides compare the same two endpoints, so the
	// role assignment is identical on both ends regardless of local NAT
	// state (spec.md §4.5).
	Local netip.AddrPort
	// SessionID is used as the PSK identity.
	SessionID string
	// PSK is the pre-shared key bytes.
	PSK []byte

	Log zerolog.Logger
}

// Handshake primes the NAT mapping, picks client/server role deterministically
// from the two endpoints, and performs a DTLS 1.2 PSK handshake with the
// retry envelope spec.md §4.5 requires.
func Handshake(p HandshakeParams) (*Conn, error) {
	prime(p.Socket, p.Remote)

	isClient := endpointOf(p.Local).Less(endpointOf(p.Remote))

	cfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return p.PSK, nil
		},
		PSKIdentityHint: []byte(p.SessionID),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		MTU:             wire.MaxDatagramSize,
	}

	var lastErr error
	for attempt := 0; attempt < handshakeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(handshakeSleeps[attempt-1])
			prime(p.Socket, p.Remote)
		}

		fpc := newFilteringPacketConn(p.Socket, p.Remote)
		ctx, cancel := context.WithTimeout(context.Background(), perAttemptDeadline)

		var (
			conn *dtls.Conn
			err  error
		)
		if isClient {
			conn, err = dtls.ClientWithContext(ctx, fpc, cfg)
		} else {
			conn, err = dtls.ServerWithContext(ctx, fpc, cfg)
		}
		cancel()

		if err != nil {
			lastErr = err
			p.Log.Debug().Err(err).Int("attempt", attempt+1).Bool("is_client", isClient).
				Msg("securedgram: handshake attempt failed")
			continue
		}

		fpc.doneHandshaking()
		return &Conn{dtlsConn: conn, fpc: fpc, log: p.Log}, nil
	}

	return nil, &ErrHandshakeFailed{Attempts: handshakeAttempts, Last: lastErr}
}

func prime(socket *net.UDPConn, remote netip.AddrPort) {
	primer := []byte{0x00}
	addr := net.UDPAddrFromAddrPort(remote)
	for i := 0; i < primingBytes; i++ {
		_, _ = socket.WriteToUDP(primer, addr)
	}
}

func endpointOf(ap netip.AddrPort) wire.Endpoint {
	return wire.EndpointFromAddrPort(ap)
}

// Send writes b as one DTLS application-data record.
func (c *Conn) Send(b []byte) error {
	_, err := c.dtlsConn.Write(b)
	return err
}

// Receive reads one datagram into buf with the given timeout, returning
// ErrTimeout if none arrives in time.
func (c *Conn) Receive(buf []byte, timeout time.Duration) ([]byte, error) {
	if err := c.dtlsConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, err := c.dtlsConn.Read(buf)
	if err != nil {
		if netErrIsTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return buf[:n], nil
}

// SendLimit returns the largest single datagram this session will pass.
func (c *Conn) SendLimit() int {
	return wire.MaxDatagramSize
}

// Close tears down the DTLS session. The underlying socket is not closed.
func (c *Conn) Close() error {
	return c.dtlsConn.Close()
}
