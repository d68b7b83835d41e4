// Package holepunch implements the bidirectional UDP hole-punching handshake
// spec.md §4.4 describes, including symmetric-NAT port adaptation.
package holepunch

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

const (
	// DefaultInterval is the default time between PUNCH retransmissions.
	DefaultInterval = 100 * time.Millisecond
	// DefaultTimeout is the default overall deadline for the attempt.
	DefaultTimeout = 10 * time.Second
)

// Result is the outcome of a hole-punch attempt.
type Result struct {
	Success           bool
	ConfirmedEndpoint netip.AddrPort
	Elapsed           time.Duration
}

// Params configures one attempt.
type Params struct {
	// Socket is the already-bound UDP socket to punch from.
	Socket *net.UDPConn
	// Remote is the expected remote endpoint, as learned from the
	// coordinator. Its port may be adjusted during the attempt if the
	// peer sits behind a symmetric NAT.
	Remote netip.AddrPort
	// ConnectionID identifies this side in PUNCH/PUNCH_ACK headers.
	ConnectionID uint32

	// Interval and Timeout default to DefaultInterval/DefaultTimeout when
	// zero.
	Interval time.Duration
	Timeout  time.Duration

	Log zerolog.Logger
}

// Attempt runs the single-threaded punch loop and blocks until success or
// the overall timeout elapses.
func Attempt(p Params) Result {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)
	remote := p.Remote

	sendPunch(p.Socket, remote, p.ConnectionID)

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return Result{Success: false, Elapsed: now.Sub(start)}
		}

		readTimeout := interval
		if remain := deadline.Sub(now); remain < readTimeout {
			readTimeout = remain
		}
		if err := p.Socket.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return Result{Success: false, Elapsed: time.Since(start)}
		}

		n, srcAddr, err := p.Socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isTimeout(err) {
				sendPunch(p.Socket, remote, p.ConnectionID)
				continue
			}
			return Result{Success: false, Elapsed: time.Since(start)}
		}

		src := srcAddr.Addr().Unmap()
		if src != remote.Addr() {
			continue // not from the expected peer
		}
		if srcAddr.Port() != remote.Port() {
			p.Log.Info().
				Uint16("old_port", remote.Port()).
				Uint16("new_port", srcAddr.Port()).
				Msg("holepunch: symmetric NAT port adaptation")
			remote = netip.AddrPortFrom(src, srcAddr.Port())
		}

		if !wire.LooksLikeOurs(buf[:n]) {
			continue // cheap magic-only reject before paying for a full CRC decode
		}
		pkt, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue // malformed, ignore
		}

		switch pkt.Type {
		case wire.TypePunch:
			sendPunchAck(p.Socket, remote, p.ConnectionID)
			return Result{Success: true, ConfirmedEndpoint: remote, Elapsed: time.Since(start)}
		case wire.TypePunchAck:
			return Result{Success: true, ConfirmedEndpoint: remote, Elapsed: time.Since(start)}
		default:
			continue
		}
	}
}

func sendPunch(socket *net.UDPConn, remote netip.AddrPort, connID uint32) {
	send(socket, remote, wire.TypePunch, connID)
}

func sendPunchAck(socket *net.UDPConn, remote netip.AddrPort, connID uint32) {
	send(socket, remote, wire.TypePunchAck, connID)
}

func send(socket *net.UDPConn, remote netip.AddrPort, t wire.Type, connID uint32) {
	enc, err := wire.Encode(wire.Packet{Type: t, ConnectionID: connID})
	if err != nil {
		return
	}
	_, _ = socket.WriteToUDPAddrPort(enc, remote)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
