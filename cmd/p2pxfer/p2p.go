package main

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/channel"
	"github.com/r2northstar/p2pxfer/pkg/coordclient"
	"github.com/r2northstar/p2pxfer/pkg/holepunch"
	"github.com/r2northstar/p2pxfer/pkg/router"
	"github.com/r2northstar/p2pxfer/pkg/securedgram"
)

// establishedChannel bundles the live reliable channel with the pieces that
// must stay alive (and eventually be torn down) alongside it. socket is the
// raw UDP socket the whole handshake sequence reused; securedgram.Conn.Close
// only tears down the DTLS session, so the socket itself is closed here.
type establishedChannel struct {
	router *router.Router
	conn   *securedgram.Conn
	socket *net.UDPConn
	ch     *channel.Channel
}

func (e *establishedChannel) Close() {
	e.router.Stop()
	e.router.AwaitStop()
	e.conn.Close()
	e.socket.Close()
}

// establishChannel runs the full rendezvous -> hole-punch -> DTLS handshake
// -> reliable channel bring-up sequence both "send" and "receive" need,
// per spec.md §4.2-§4.11.
func establishChannel(serverAddr netip.AddrPort, sessionID string, psk []byte, log zerolog.Logger) (*establishedChannel, error) {
	cc, err := coordclient.New(serverAddr, netip.AddrPort{}, sessionID, []byte(psk))
	if err != nil {
		return nil, fmt.Errorf("bind coordination socket: %w", err)
	}

	log.Info().Msg("coordinating with rendezvous server")
	result, err := cc.Coordinate()
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("coordinate: %w", err)
	}
	log.Info().Stringer("peer", result.PeerEndpoint).Msg("coordination complete, hole punching")

	connID := channel.NewRandomSeq()
	punch := holepunch.Attempt(holepunch.Params{
		Socket:       cc.Socket(),
		Remote:       result.PeerEndpoint,
		ConnectionID: connID,
		Log:          log.With().Str("component", "holepunch").Logger(),
	})
	if !punch.Success {
		cc.Close()
		return nil, fmt.Errorf("hole punch: no response from peer within %s", holepunch.DefaultTimeout)
	}
	log.Info().Stringer("peer", punch.ConfirmedEndpoint).Dur("elapsed", punch.Elapsed).Msg("hole punch succeeded, starting secure handshake")

	secConn, err := securedgram.Handshake(securedgram.HandshakeParams{
		Socket:    cc.Socket(),
		Remote:    punch.ConfirmedEndpoint,
		Local:     result.OwnObservedEndpoint,
		SessionID: sessionID,
		PSK:       psk,
		Log:       log.With().Str("component", "securedgram").Logger(),
	})
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("secure handshake: %w", err)
	}
	log.Info().Msg("secure channel established")

	r := router.New(secConn, log.With().Str("component", "router").Logger())
	r.Start()
	ch := channel.New(r, log.With().Str("component", "channel").Logger(), connID, channel.NewRandomSeq())

	return &establishedChannel{router: r, conn: secConn, socket: cc.Socket(), ch: ch}, nil
}
