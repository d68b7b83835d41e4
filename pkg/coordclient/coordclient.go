// Package coordclient implements the rendezvous protocol a peer speaks to
// the coordination service (spec.md §4.3): register, authenticate, then wait
// for the other side's endpoint.
package coordclient

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

const (
	// registerAuthTimeout is the per-attempt receive timeout for REGISTER
	// and AUTH.
	registerAuthTimeout = 5 * time.Second
	// registerAuthAttempts bounds retransmissions of REGISTER and AUTH.
	registerAuthAttempts = 3
	// peerInfoTimeout bounds the wait for the peer's endpoint once both
	// sides have authenticated.
	peerInfoTimeout = 120 * time.Second
)

// FailureKind enumerates the coordinator error taxonomy spec.md §4.3
// defines.
type FailureKind int

const (
	RegisterRetriesExhausted FailureKind = iota
	AuthRetriesExhausted
	ServerRejected
	WaitingForPeerTimedOut
	Io
)

func (k FailureKind) String() string {
	switch k {
	case RegisterRetriesExhausted:
		return "register_retries_exhausted"
	case AuthRetriesExhausted:
		return "auth_retries_exhausted"
	case ServerRejected:
		return "server_rejected"
	case WaitingForPeerTimedOut:
		return "waiting_for_peer_timed_out"
	case Io:
		return "io"
	default:
		return "unknown"
	}
}

// CoordFailure is the error type coordinate() returns on any non-success
// path.
type CoordFailure struct {
	Kind FailureKind
	Code uint16 // populated for ServerRejected
	Msg  string // populated for ServerRejected
	Err  error  // wrapped I/O error, if any
}

func (e *CoordFailure) Error() string {
	switch e.Kind {
	case ServerRejected:
		return fmt.Sprintf("coordclient: server rejected (0x%04X): %s", e.Code, e.Msg)
	case Io:
		return fmt.Sprintf("coordclient: %v", e.Err)
	default:
		return fmt.Sprintf("coordclient: %s", e.Kind)
	}
}

func (e *CoordFailure) Unwrap() error { return e.Err }

// Result is what coordinate() returns on success.
type Result struct {
	// PeerEndpoint is the other slot's endpoint, as reported by the
	// coordinator.
	PeerEndpoint netip.AddrPort
	// OwnObservedEndpoint is how the coordinator saw this side.
	OwnObservedEndpoint netip.AddrPort
}

// Client speaks the coordination protocol over an unconnected UDP socket.
// The socket stays unconnected (bound via net.ListenUDP, not net.DialUDP)
// because the same local port is reused afterward for hole punching
// (pkg/holepunch), which must redirect to a symmetric-NAT-adapted remote
// address WriteToUDPAddrPort allows and a connected UDPConn does not.
type Client struct {
	conn      *net.UDPConn
	coordAddr netip.AddrPort
	sessionID string
	psk       []byte
}

// New binds an unconnected UDP socket and prepares it to coordinate with
// coordAddr. localAddr may be the zero value to let the kernel pick an
// ephemeral port.
func New(coordAddr netip.AddrPort, localAddr netip.AddrPort, sessionID string, psk []byte) (*Client, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(localAddr))
	if err != nil {
		return nil, &CoordFailure{Kind: Io, Err: fmt.Errorf("bind local socket: %w", err)}
	}
	return &Client{conn: conn, coordAddr: coordAddr, sessionID: sessionID, psk: psk}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Socket exposes the underlying unconnected UDP socket, e.g. so the caller can
// reuse it for hole punching.
func (c *Client) Socket() *net.UDPConn {
	return c.conn
}

// Coordinate runs the full register/authenticate/wait-for-peer sequence.
func (c *Client) Coordinate() (Result, error) {
	nonce, err := c.register()
	if err != nil {
		return Result{}, err
	}

	own, peerFromAuth, err := c.authenticate(nonce)
	if err != nil {
		return Result{}, err
	}

	// Edge case: the server may have already emitted PEER_INFO in
	// response to AUTH, before this side processed OK.
	if peerFromAuth != nil {
		return Result{PeerEndpoint: *peerFromAuth, OwnObservedEndpoint: own}, nil
	}

	peer, err := c.waitForPeerInfo()
	if err != nil {
		return Result{}, err
	}
	return Result{PeerEndpoint: peer, OwnObservedEndpoint: own}, nil
}

// register sends REGISTER with bounded retries and returns the nonce from
// CHALLENGE.
func (c *Client) register() ([32]byte, error) {
	payload, err := wire.EncodeRegister(c.sessionID)
	if err != nil {
		return [32]byte{}, &CoordFailure{Kind: Io, Err: err}
	}
	pkt := wire.Packet{Type: wire.TypeCoordRegister, Payload: payload}

	for attempt := 0; attempt < registerAuthAttempts; attempt++ {
		resp, err := c.roundTrip(pkt, registerAuthTimeout)
		if err != nil {
			continue
		}
		switch resp.Type {
		case wire.TypeCoordChallenge:
			return wire.DecodeChallenge(resp.Payload)
		case wire.TypeCoordError, wire.TypeError:
			ce, derr := wire.DecodeCoordError(resp.Payload)
			if derr == nil {
				return [32]byte{}, &CoordFailure{Kind: ServerRejected, Code: ce.Code, Msg: ce.Message}
			}
		}
	}
	return [32]byte{}, &CoordFailure{Kind: RegisterRetriesExhausted}
}

// authenticate sends AUTH with bounded retries. On success it returns the
// coordinator's view of this side's endpoint (from OK) and, if PEER_INFO
// also arrived before OK was processed, the peer endpoint as well. The
// server always answers AUTH with OK (even on a retransmitted AUTH, see
// coordserver.handleAuth), so each attempt keeps reading until OK actually
// arrives rather than returning early on a PEER_INFO that races it.
func (c *Client) authenticate(nonce [32]byte) (own netip.AddrPort, peer *netip.AddrPort, err error) {
	mac := wire.ComputeAuthHMAC(c.psk, nonce, c.sessionID)
	payload, err := wire.EncodeAuth(c.sessionID, mac)
	if err != nil {
		return netip.AddrPort{}, nil, &CoordFailure{Kind: Io, Err: err}
	}
	pkt := wire.Packet{Type: wire.TypeCoordAuth, Payload: payload}

	var stashedPeer *netip.AddrPort
	for attempt := 0; attempt < registerAuthAttempts; attempt++ {
		ok, gotOwn, rerr := c.authAttempt(pkt, registerAuthTimeout, &stashedPeer)
		if rerr != nil {
			return netip.AddrPort{}, nil, rerr
		}
		if ok {
			return gotOwn, stashedPeer, nil
		}
	}
	return netip.AddrPort{}, nil, &CoordFailure{Kind: AuthRetriesExhausted}
}

// authAttempt sends pkt once and reads response datagrams from coordAddr
// until OK arrives (ok=true, own populated), the attempt's timeout expires
// (ok=false, retry), or a fatal error/rejection occurs. Any PEER_INFO seen
// while waiting for OK is stashed into *peer rather than returned early.
func (c *Client) authAttempt(pkt wire.Packet, timeout time.Duration, peer **netip.AddrPort) (ok bool, own netip.AddrPort, err error) {
	enc, eerr := wire.Encode(pkt)
	if eerr != nil {
		return false, netip.AddrPort{}, eerr
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return false, netip.AddrPort{}, err
	}
	if _, err := c.conn.WriteToUDPAddrPort(enc, c.coordAddr); err != nil {
		return false, netip.AddrPort{}, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return false, netip.AddrPort{}, nil
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(remain)); err != nil {
			return false, netip.AddrPort{}, err
		}
		n, src, rerr := c.conn.ReadFromUDPAddrPort(buf)
		if rerr != nil {
			if errors.Is(rerr, os.ErrDeadlineExceeded) {
				return false, netip.AddrPort{}, nil
			}
			return false, netip.AddrPort{}, rerr
		}
		if src.Addr().Unmap() != c.coordAddr.Addr() || src.Port() != c.coordAddr.Port() {
			continue
		}

		resp, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue
		}
		switch resp.Type {
		case wire.TypeCoordOK:
			ep, derr := wire.DecodeOK(resp.Payload)
			if derr != nil {
				continue
			}
			ap, aerr := ep.AddrPort()
			if aerr != nil {
				continue
			}
			return true, ap, nil
		case wire.TypeCoordPeerInfo:
			ep, derr := wire.DecodePeerInfo(resp.Payload)
			if derr != nil {
				continue
			}
			ap, aerr := ep.AddrPort()
			if aerr != nil {
				continue
			}
			*peer = &ap
		case wire.TypeCoordError, wire.TypeError:
			ce, derr := wire.DecodeCoordError(resp.Payload)
			if derr == nil {
				return false, netip.AddrPort{}, &CoordFailure{Kind: ServerRejected, Code: ce.Code, Msg: ce.Message}
			}
		}
	}
}

// waitForPeerInfo blocks for up to peerInfoTimeout, ignoring anything but
// PEER_INFO and ERROR (and any datagram not from coordAddr, e.g. a stray
// early PUNCH from the peer arriving on this same socket).
func (c *Client) waitForPeerInfo() (netip.AddrPort, error) {
	deadline := time.Now().Add(peerInfoTimeout)
	buf := make([]byte, wire.MaxDatagramSize)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return netip.AddrPort{}, &CoordFailure{Kind: WaitingForPeerTimedOut}
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(remain)); err != nil {
			return netip.AddrPort{}, &CoordFailure{Kind: Io, Err: err}
		}
		n, src, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return netip.AddrPort{}, &CoordFailure{Kind: WaitingForPeerTimedOut}
			}
			return netip.AddrPort{}, &CoordFailure{Kind: Io, Err: err}
		}
		if src.Addr().Unmap() != c.coordAddr.Addr() || src.Port() != c.coordAddr.Port() {
			continue
		}

		pkt, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue
		}
		switch pkt.Type {
		case wire.TypeCoordPeerInfo:
			ep, derr := wire.DecodePeerInfo(pkt.Payload)
			if derr != nil {
				continue
			}
			return ep.AddrPort()
		case wire.TypeCoordError, wire.TypeError:
			ce, derr := wire.DecodeCoordError(pkt.Payload)
			if derr == nil {
				return netip.AddrPort{}, &CoordFailure{Kind: ServerRejected, Code: ce.Code, Msg: ce.Message}
			}
		default:
			continue
		}
	}
}

// roundTrip sends pkt to coordAddr and waits timeout for any reply datagram
// from coordAddr.
func (c *Client) roundTrip(pkt wire.Packet, timeout time.Duration) (wire.Packet, error) {
	enc, err := wire.Encode(pkt)
	if err != nil {
		return wire.Packet{}, err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Packet{}, err
	}
	if _, err := c.conn.WriteToUDPAddrPort(enc, c.coordAddr); err != nil {
		return wire.Packet{}, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return wire.Packet{}, os.ErrDeadlineExceeded
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(remain)); err != nil {
			return wire.Packet{}, err
		}
		n, src, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return wire.Packet{}, err
		}
		if src.Addr().Unmap() != c.coordAddr.Addr() || src.Port() != c.coordAddr.Port() {
			continue
		}
		return wire.Decode(buf[:n])
	}
}
