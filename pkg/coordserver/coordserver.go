// Package coordserver implements the rendezvous service spec.md §4.2
// describes: it matches the two peers of a session, challenges each with a
// nonce-based HMAC, and once both are authenticated tells each the other's
// observed endpoint.
package coordserver

import (
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/coordserver/audit"
	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// DefaultIdleTimeout is how long a session may go without activity before
// the sweep removes it. See DESIGN.md's Open Question decision.
const DefaultIdleTimeout = 60 * time.Second

// sweepInterval is how often Serve's receive timeout fires, bounding sweep
// latency.
const sweepInterval = 5 * time.Second

var ErrClosed = errors.New("coordserver: closed")

// slot is one peer's registration state within a session.
type slot struct {
	endpoint      netip.AddrPort
	nonce         [32]byte
	authenticated bool
}

// session holds at most two peer slots, keyed by each peer's observed
// endpoint.
type session struct {
	id           string
	slots        map[netip.AddrPort]*slot
	lastActivity time.Time
}

// Server is the coordination service. The zero value is not usable;
// construct with New.
type Server struct {
	PSK         []byte
	IdleTimeout time.Duration
	Log         zerolog.Logger

	// AuditSink, if set, records session lifecycle events. Defaults to a
	// no-op sink.
	AuditSink audit.Sink

	mu       sync.Mutex
	sessions map[string]*session

	metricsOnce sync.Once
	m           serverMetrics
}

type serverMetrics struct {
	set *metrics.Set

	registerTotal struct {
		created, existingSlot, sessionFull *metrics.Counter
	}
	authTotal struct {
		ok, rejected *metrics.Counter
	}
	sessionsSweptTotal *metrics.Counter
	malformedTotal     *metrics.Counter
}

// New constructs a Server. psk is the pre-shared key every session
// authenticates against.
func New(psk []byte, log zerolog.Logger) *Server {
	return &Server{
		PSK:         psk,
		IdleTimeout: DefaultIdleTimeout,
		Log:         log,
		AuditSink:   audit.NoopSink{},
		sessions:    make(map[string]*session),
	}
}

func (s *Server) metricsSet() *metrics.Set {
	s.metricsOnce.Do(func() {
		s.m.set = metrics.NewSet()
		s.m.registerTotal.created = s.m.set.NewCounter(`p2pxfer_coordserver_register_total{result="created"}`)
		s.m.registerTotal.existingSlot = s.m.set.NewCounter(`p2pxfer_coordserver_register_total{result="existing_slot"}`)
		s.m.registerTotal.sessionFull = s.m.set.NewCounter(`p2pxfer_coordserver_register_total{result="session_full"}`)
		s.m.authTotal.ok = s.m.set.NewCounter(`p2pxfer_coordserver_auth_total{result="ok"}`)
		s.m.authTotal.rejected = s.m.set.NewCounter(`p2pxfer_coordserver_auth_total{result="rejected"}`)
		s.m.sessionsSweptTotal = s.m.set.NewCounter(`p2pxfer_coordserver_sessions_swept_total`)
		s.m.malformedTotal = s.m.set.NewCounter(`p2pxfer_coordserver_malformed_total`)
	})
	return s.m.set
}

// WritePrometheus writes the server's counters in Prometheus text format.
func (s *Server) WritePrometheus(w io.Writer) {
	s.metricsSet().WritePrometheus(w)
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(addr netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// Serve runs the receive loop on conn until it is closed. Each receive
// timeout also drives the idle-session sweep, per spec.md §4.2.
func (s *Server) Serve(conn *net.UDPConn) error {
	defer conn.Close()
	s.metricsSet() // force lazy init before first request

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(sweepInterval)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isTimeout(err) {
				s.sweep()
				continue
			}
			return err
		}

		src := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		s.handleDatagram(conn, src, buf[:n])
	}
}

func (s *Server) handleDatagram(conn *net.UDPConn, src netip.AddrPort, buf []byte) {
	pkt, err := wire.Decode(buf)
	if err != nil {
		s.m.malformedTotal.Inc()
		s.Log.Debug().Err(err).Stringer("src", src).Msg("coordserver: dropping malformed datagram")
		return
	}

	switch pkt.Type {
	case wire.TypeCoordRegister:
		s.handleRegister(conn, src, pkt)
	case wire.TypeCoordAuth:
		s.handleAuth(conn, src, pkt)
	case wire.TypeCoordKeepalive:
		s.handleKeepalive(src, pkt)
	case wire.TypeCoordPing:
		s.reply(conn, src, wire.Packet{Type: wire.TypeCoordPong})
	default:
		s.Log.Debug().Stringer("type", pkt.Type).Msg("coordserver: unhandled type")
	}
}

func (s *Server) handleRegister(conn *net.UDPConn, src netip.AddrPort, pkt wire.Packet) {
	sessionID, err := wire.DecodeRegister(pkt.Payload)
	if err != nil {
		s.m.malformedTotal.Inc()
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID, slots: make(map[netip.AddrPort]*slot)}
		s.sessions[sessionID] = sess
	}
	sess.lastActivity = time.Now()

	sl, exists := sess.slots[src]
	if !exists {
		if len(sess.slots) >= 2 {
			s.mu.Unlock()
			s.m.registerTotal.sessionFull.Inc()
			s.reply(conn, src, errorPacket(wire.CoordErrSessionFull, "Session full"))
			return
		}
		var nonce [32]byte
		_, _ = rand.Read(nonce[:])
		sl = &slot{endpoint: src, nonce: nonce}
		sess.slots[src] = sl
		s.m.registerTotal.created.Inc()
		s.AuditSink.RecordSlotRegistered(sessionID, src)
	} else {
		s.m.registerTotal.existingSlot.Inc()
	}
	nonce := sl.nonce
	s.mu.Unlock()

	s.reply(conn, src, wire.Packet{Type: wire.TypeCoordChallenge, Payload: wire.EncodeChallenge(nonce)})
}

func (s *Server) handleAuth(conn *net.UDPConn, src netip.AddrPort, pkt wire.Packet) {
	sessionID, mac, err := wire.DecodeAuth(pkt.Payload)
	if err != nil {
		s.m.malformedTotal.Inc()
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sl, ok := sess.slots[src]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.lastActivity = time.Now()

	if !wire.VerifyAuthHMAC(s.PSK, sl.nonce, sessionID, mac) {
		s.mu.Unlock()
		s.m.authTotal.rejected.Inc()
		s.reply(conn, src, errorPacket(wire.CoordErrAuthFailed, "Authentication failed"))
		return
	}
	sl.authenticated = true
	s.m.authTotal.ok.Inc()

	bothAuthed, peers := sess.bothAuthenticated()
	s.mu.Unlock()

	s.reply(conn, src, okPacket(src))

	if bothAuthed {
		s.AuditSink.RecordSessionEstablished(sessionID)
		for _, p := range peers {
			payload, err := wire.EncodePeerInfo(wire.EndpointFromAddrPort(p.other))
			if err != nil {
				continue
			}
			s.reply(conn, p.self, wire.Packet{Type: wire.TypeCoordPeerInfo, Payload: payload})
		}
	}
}

func (s *Server) handleKeepalive(src netip.AddrPort, pkt wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if _, ok := sess.slots[src]; ok {
			sess.lastActivity = time.Now()
			return
		}
	}
}

// peerPair is one authenticated slot paired with the other slot's endpoint,
// for emitting PEER_INFO to both sides.
type peerPair struct {
	self, other netip.AddrPort
}

// bothAuthenticated reports whether exactly two slots are authenticated and,
// if so, returns the (self, other) endpoint pairs to notify. Caller must
// hold s.mu.
func (sess *session) bothAuthenticated() (bool, []peerPair) {
	if len(sess.slots) != 2 {
		return false, nil
	}
	var eps []netip.AddrPort
	for ep, sl := range sess.slots {
		if !sl.authenticated {
			return false, nil
		}
		eps = append(eps, ep)
	}
	return true, []peerPair{
		{self: eps[0], other: eps[1]},
		{self: eps[1], other: eps[0]},
	}
}

// sweep removes sessions past their idle threshold, per spec.md §4.2.
func (s *Server) sweep() {
	cutoff := time.Now().Add(-s.IdleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			s.m.sessionsSweptTotal.Inc()
			s.AuditSink.RecordSessionExpired(id)
		}
	}
}

// reply sends pkt to dst. It does not compare the reply's size with the
// request's: a CHALLENGE (52 bytes) is larger than a REGISTER whose session
// id is shorter than 30 bytes, and a "Session full" ERROR (34 bytes) is
// larger than a REGISTER whose session id is shorter than 12 bytes.
func (s *Server) reply(conn *net.UDPConn, dst netip.AddrPort, pkt wire.Packet) {
	enc, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDPAddrPort(enc, dst)
}

func okPacket(observed netip.AddrPort) wire.Packet {
	payload, _ := wire.EncodeOK(wire.EndpointFromAddrPort(observed))
	return wire.Packet{Type: wire.TypeCoordOK, Payload: payload}
}

func errorPacket(code uint16, msg string) wire.Packet {
	return wire.Packet{Type: wire.TypeCoordError, Payload: wire.EncodeCoordError(wire.CoordError{Code: code, Message: msg})}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
