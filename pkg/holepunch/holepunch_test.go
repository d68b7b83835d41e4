package holepunch

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func mustListen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return conn
}

func mustAddrPort(t *testing.T, conn *net.UDPConn) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("parse local addr: %v", err)
	}
	return ap
}

func TestBidirectionalPunchSucceeds(t *testing.T) {
	a := mustListen(t)
	defer a.Close()
	b := mustListen(t)
	defer b.Close()

	aAddr := mustAddrPort(t, a)
	bAddr := mustAddrPort(t, b)

	log := zerolog.New(io.Discard)

	var wg sync.WaitGroup
	var resA, resB Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA = Attempt(Params{Socket: a, Remote: bAddr, ConnectionID: 1, Timeout: 3 * time.Second, Log: log})
	}()
	go func() {
		defer wg.Done()
		resB = Attempt(Params{Socket: b, Remote: aAddr, ConnectionID: 2, Timeout: 3 * time.Second, Log: log})
	}()
	wg.Wait()

	if !resA.Success || !resB.Success {
		t.Fatalf("expected both sides to succeed: a=%v b=%v", resA, resB)
	}
}

func TestTimeoutWhenPeerNeverResponds(t *testing.T) {
	a := mustListen(t)
	defer a.Close()

	// Nobody is listening on this address/port.
	unreachable := netip.MustParseAddrPort("127.0.0.1:1")

	res := Attempt(Params{
		Socket:       a,
		Remote:       unreachable,
		ConnectionID: 1,
		Interval:     20 * time.Millisecond,
		Timeout:      150 * time.Millisecond,
		Log:          zerolog.New(io.Discard),
	})
	if res.Success {
		t.Fatalf("expected failure, got success")
	}
}

func TestIgnoresStrayNonProtocolDatagram(t *testing.T) {
	a := mustListen(t)
	defer a.Close()
	stranger := mustListen(t)
	defer stranger.Close()
	quiet := mustListen(t)
	defer quiet.Close()

	quietAddr := mustAddrPort(t, quiet)
	aAddr := mustAddrPort(t, a)

	go func() {
		// Send a non-protocol byte from the remote's IP but another port;
		// the punch loop must not treat this as success.
		enc := []byte{0} // not even a valid wire packet, irrelevant here
		_, _ = stranger.WriteToUDP(enc, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(aAddr.Port())})
	}()

	res := Attempt(Params{
		Socket:       a,
		Remote:       quietAddr,
		ConnectionID: 1,
		Interval:     20 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
		Log:          zerolog.New(io.Discard),
	})
	if res.Success {
		t.Fatalf("expected failure: stray non-protocol datagram must be ignored")
	}
}
