package coordserver

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func startServer(t *testing.T, psk []byte) (netip.AddrPort, *Server, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}
	srv := New(psk, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(conn)
	}()

	return addr, srv, func() {
		conn.Close()
		<-done
	}
}

func register(t *testing.T, conn *net.UDPConn, serverAddr net.Addr, sessionID string) [32]byte {
	t.Helper()
	payload, err := wire.EncodeRegister(sessionID)
	if err != nil {
		t.Fatalf("encode register: %v", err)
	}
	enc, _ := wire.Encode(wire.Packet{Type: wire.TypeCoordRegister, Payload: payload})
	if _, err := conn.WriteTo(enc, serverAddr); err != nil {
		t.Fatalf("write register: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil || pkt.Type != wire.TypeCoordChallenge {
		t.Fatalf("expected CHALLENGE, got %v err=%v", pkt.Type, err)
	}
	nonce, err := wire.DecodeChallenge(pkt.Payload)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return nonce
}

func authenticate(t *testing.T, conn *net.UDPConn, serverAddr net.Addr, sessionID string, psk []byte, nonce [32]byte) wire.Packet {
	t.Helper()
	mac := wire.ComputeAuthHMAC(psk, nonce, sessionID)
	payload, err := wire.EncodeAuth(sessionID, mac)
	if err != nil {
		t.Fatalf("encode auth: %v", err)
	}
	enc, _ := wire.Encode(wire.Packet{Type: wire.TypeCoordAuth, Payload: payload})
	if _, err := conn.WriteTo(enc, serverAddr); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return pkt
}

func TestTwoPeersCompleteRendezvous(t *testing.T) {
	psk := []byte("shared-psk")
	serverAddr, _, stop := startServer(t, psk)
	defer stop()

	connA, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	sessionID := "rendezvous-test"
	nonceA := register(t, connA, connA.RemoteAddr(), sessionID)
	nonceB := register(t, connB, connB.RemoteAddr(), sessionID)

	respA := authenticate(t, connA, connA.RemoteAddr(), sessionID, psk, nonceA)
	if respA.Type != wire.TypeCoordOK {
		t.Fatalf("A: expected OK, got %v", respA.Type)
	}
	respB := authenticate(t, connB, connB.RemoteAddr(), sessionID, psk, nonceB)
	if respB.Type != wire.TypeCoordOK {
		t.Fatalf("B: expected OK, got %v", respB.Type)
	}

	// Both sides should now receive PEER_INFO.
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := connA.Read(buf)
	if err != nil {
		t.Fatalf("A: read peer_info: %v", err)
	}
	pktA, err := wire.Decode(buf[:n])
	if err != nil || pktA.Type != wire.TypeCoordPeerInfo {
		t.Fatalf("A: expected PEER_INFO, got %v err=%v", pktA.Type, err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = connB.Read(buf)
	if err != nil {
		t.Fatalf("B: read peer_info: %v", err)
	}
	pktB, err := wire.Decode(buf[:n])
	if err != nil || pktB.Type != wire.TypeCoordPeerInfo {
		t.Fatalf("B: expected PEER_INFO, got %v err=%v", pktB.Type, err)
	}

	peerOfA, err := wire.DecodePeerInfo(pktA.Payload)
	if err != nil {
		t.Fatalf("decode peer info a: %v", err)
	}
	apA, err := peerOfA.AddrPort()
	if err != nil {
		t.Fatalf("addrport a: %v", err)
	}
	localB, err := netip.ParseAddrPort(connB.LocalAddr().String())
	if err != nil {
		t.Fatalf("parse local b: %v", err)
	}
	if apA.Port() != localB.Port() {
		t.Fatalf("A's peer info port = %d, want B's local port %d", apA.Port(), localB.Port())
	}
}

func TestThirdPeerRejectedSessionFull(t *testing.T) {
	psk := []byte("shared-psk")
	serverAddr, _, stop := startServer(t, psk)
	defer stop()

	sessionID := "full-session-test"
	for i := 0; i < 2; i++ {
		conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		register(t, conn, conn.RemoteAddr(), sessionID)
	}

	connC, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		t.Fatalf("dial c: %v", err)
	}
	defer connC.Close()

	payload, _ := wire.EncodeRegister(sessionID)
	enc, _ := wire.Encode(wire.Packet{Type: wire.TypeCoordRegister, Payload: payload})
	if _, err := connC.Write(enc); err != nil {
		t.Fatalf("write register: %v", err)
	}
	connC.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := connC.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil || pkt.Type != wire.TypeCoordError {
		t.Fatalf("expected ERROR, got %v err=%v", pkt.Type, err)
	}
	ce, err := wire.DecodeCoordError(pkt.Payload)
	if err != nil || ce.Code != wire.CoordErrSessionFull {
		t.Fatalf("expected session full error, got %+v err=%v", ce, err)
	}
}

func TestAuthWithBadMACRejected(t *testing.T) {
	psk := []byte("shared-psk")
	serverAddr, _, stop := startServer(t, psk)
	defer stop()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sessionID := "bad-mac-test"
	nonce := register(t, conn, conn.RemoteAddr(), sessionID)
	var badMac [32]byte
	badMac[0] = 0xFF
	_ = nonce

	payload, err := wire.EncodeAuth(sessionID, badMac)
	if err != nil {
		t.Fatalf("encode auth: %v", err)
	}
	enc, _ := wire.Encode(wire.Packet{Type: wire.TypeCoordAuth, Payload: payload})
	if _, err := conn.Write(enc); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil || pkt.Type != wire.TypeCoordError {
		t.Fatalf("expected ERROR, got %v err=%v", pkt.Type, err)
	}
	ce, err := wire.DecodeCoordError(pkt.Payload)
	if err != nil || ce.Code != wire.CoordErrAuthFailed {
		t.Fatalf("expected auth failed error, got %+v err=%v", ce, err)
	}
}

func TestPingPong(t *testing.T) {
	serverAddr, _, stop := startServer(t, []byte("psk"))
	defer stop()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	enc, _ := wire.Encode(wire.Packet{Type: wire.TypeCoordPing})
	if _, err := conn.Write(enc); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil || pkt.Type != wire.TypeCoordPong {
		t.Fatalf("expected PONG, got %v err=%v", pkt.Type, err)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	srv := New([]byte("psk"), testLogger())
	srv.IdleTimeout = 10 * time.Millisecond
	srv.metricsSet()

	addr := netip.MustParseAddrPort("127.0.0.1:5000")
	srv.mu.Lock()
	srv.sessions["idle"] = &session{
		id:           "idle",
		slots:        map[netip.AddrPort]*slot{addr: {endpoint: addr}},
		lastActivity: time.Now().Add(-time.Hour),
	}
	srv.mu.Unlock()

	srv.sweep()

	srv.mu.Lock()
	_, exists := srv.sessions["idle"]
	srv.mu.Unlock()
	if exists {
		t.Fatalf("expected idle session to be swept")
	}
}
