package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is the wire encoding of a peer's address: a length-prefixed IP
// address (4 bytes for v4, 16 for v6) followed by a 16-bit port.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// EndpointFromAddrPort converts a netip.AddrPort to an Endpoint, unmapping
// any IPv4-in-IPv6 address first.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	a := ap.Addr().Unmap()
	return Endpoint{IP: net.IP(a.AsSlice()), Port: ap.Port()}
}

// AddrPort converts e back to a netip.AddrPort.
func (e Endpoint) AddrPort() (netip.AddrPort, error) {
	a, ok := netip.AddrFromSlice(e.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid endpoint address")
	}
	return netip.AddrPortFrom(a.Unmap(), e.Port), nil
}

// Less implements the lexicographic comparison spec.md §4.5 requires for
// deterministic DTLS role assignment: address bytes, then port.
func (e Endpoint) Less(o Endpoint) bool {
	n := len(e.IP)
	if len(o.IP) < n {
		n = len(o.IP)
	}
	for i := 0; i < n; i++ {
		if e.IP[i] != o.IP[i] {
			return e.IP[i] < o.IP[i]
		}
	}
	if len(e.IP) != len(o.IP) {
		return len(e.IP) < len(o.IP)
	}
	return e.Port < o.Port
}

// EncodeEndpoint appends the wire encoding of e to buf.
func EncodeEndpoint(buf []byte, e Endpoint) ([]byte, error) {
	ip := e.IP
	switch {
	case ip.To4() != nil:
		ip = ip.To4()
	case len(ip) == net.IPv6len:
		// keep as-is
	default:
		return nil, fmt.Errorf("wire: invalid endpoint IP length %d", len(ip))
	}
	buf = append(buf, byte(len(ip)))
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, e.Port)
	return buf, nil
}

// DecodeEndpoint reads an Endpoint from the front of buf, returning the
// remaining bytes.
func DecodeEndpoint(buf []byte) (Endpoint, []byte, error) {
	if len(buf) < 1 {
		return Endpoint{}, nil, fmt.Errorf("wire: endpoint: buffer too short")
	}
	n := int(buf[0])
	buf = buf[1:]
	if n != 4 && n != 16 {
		return Endpoint{}, nil, fmt.Errorf("wire: endpoint: invalid address length %d", n)
	}
	if len(buf) < n+2 {
		return Endpoint{}, nil, fmt.Errorf("wire: endpoint: buffer too short")
	}
	ip := make(net.IP, n)
	copy(ip, buf[:n])
	buf = buf[n:]
	port := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]
	return Endpoint{IP: ip, Port: port}, buf, nil
}
