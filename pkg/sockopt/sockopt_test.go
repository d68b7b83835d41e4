package sockopt

import (
	"net"
	"testing"
)

func TestTuneAppliesBufferSizes(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	if err := Tune(conn, DefaultRecvBuffer, DefaultSendBuffer); err != nil {
		t.Fatalf("Tune: %v", err)
	}
}

func TestTuneZeroLeavesKernelDefault(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	if err := Tune(conn, 0, 0); err != nil {
		t.Fatalf("Tune with zero sizes: %v", err)
	}
}
