package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// EncodeRegister renders a REGISTER payload: a length-prefixed session id.
func EncodeRegister(sessionID string) ([]byte, error) {
	return encodeLPString(sessionID)
}

// DecodeRegister parses a REGISTER payload.
func DecodeRegister(buf []byte) (string, error) {
	s, rest, err := decodeLPString(buf)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("wire: register: trailing bytes")
	}
	return s, nil
}

// EncodeChallenge renders a CHALLENGE payload: the 32-byte nonce.
func EncodeChallenge(nonce [32]byte) []byte {
	buf := make([]byte, 32)
	copy(buf, nonce[:])
	return buf
}

// DecodeChallenge parses a CHALLENGE payload.
func DecodeChallenge(buf []byte) ([32]byte, error) {
	var nonce [32]byte
	if len(buf) != 32 {
		return nonce, fmt.Errorf("wire: challenge: bad length")
	}
	copy(nonce[:], buf)
	return nonce, nil
}

// EncodeAuth renders an AUTH payload: session_id (length-prefixed) followed
// by the 32-byte HMAC.
func EncodeAuth(sessionID string, mac [32]byte) ([]byte, error) {
	buf, err := encodeLPString(sessionID)
	if err != nil {
		return nil, err
	}
	return append(buf, mac[:]...), nil
}

// DecodeAuth parses an AUTH payload.
func DecodeAuth(buf []byte) (sessionID string, mac [32]byte, err error) {
	sessionID, rest, err := decodeLPString(buf)
	if err != nil {
		return "", mac, err
	}
	if len(rest) != 32 {
		return "", mac, fmt.Errorf("wire: auth: bad mac length")
	}
	copy(mac[:], rest)
	return sessionID, mac, nil
}

// ComputeAuthHMAC computes HMAC-SHA256(psk, nonce ‖ session_id_utf8), as
// spec.md §6 defines.
func ComputeAuthHMAC(psk []byte, nonce [32]byte, sessionID string) [32]byte {
	h := hmac.New(sha256.New, psk)
	h.Write(nonce[:])
	h.Write([]byte(sessionID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyAuthHMAC compares mac against the expected value in constant time.
func VerifyAuthHMAC(psk []byte, nonce [32]byte, sessionID string, mac [32]byte) bool {
	want := ComputeAuthHMAC(psk, nonce, sessionID)
	return hmac.Equal(want[:], mac[:])
}

// EncodeOK renders a COORD_OK payload: the sender's observed endpoint.
func EncodeOK(observed Endpoint) ([]byte, error) {
	return EncodeEndpoint(nil, observed)
}

// DecodeOK parses a COORD_OK payload.
func DecodeOK(buf []byte) (Endpoint, error) {
	ep, rest, err := DecodeEndpoint(buf)
	if err != nil {
		return Endpoint{}, err
	}
	if len(rest) != 0 {
		return Endpoint{}, fmt.Errorf("wire: ok: trailing bytes")
	}
	return ep, nil
}

// EncodePeerInfo renders a COORD_PEER_INFO payload: the other slot's
// endpoint.
func EncodePeerInfo(peer Endpoint) ([]byte, error) {
	return EncodeEndpoint(nil, peer)
}

// DecodePeerInfo parses a COORD_PEER_INFO payload.
func DecodePeerInfo(buf []byte) (Endpoint, error) {
	ep, rest, err := DecodeEndpoint(buf)
	if err != nil {
		return Endpoint{}, err
	}
	if len(rest) != 0 {
		return Endpoint{}, fmt.Errorf("wire: peer info: trailing bytes")
	}
	return ep, nil
}

// CoordError is the decoded ERROR/COORD_ERROR payload.
type CoordError struct {
	Code    uint16
	Message string
}

// EncodeCoordError renders e.
func EncodeCoordError(e CoordError) []byte {
	buf := make([]byte, 0, 2+len(e.Message))
	buf = binary.BigEndian.AppendUint16(buf, e.Code)
	buf = append(buf, []byte(e.Message)...)
	return buf
}

// DecodeCoordError parses an ERROR/COORD_ERROR payload.
func DecodeCoordError(buf []byte) (CoordError, error) {
	if len(buf) < 2 {
		return CoordError{}, fmt.Errorf("wire: coord error: too short")
	}
	return CoordError{
		Code:    binary.BigEndian.Uint16(buf[0:2]),
		Message: string(buf[2:]),
	}, nil
}

// Known coordinator error codes, per spec.md §4.2.
const (
	CoordErrSessionFull     = 0x0001
	CoordErrAuthFailed      = 0x0002
)

func encodeLPString(s string) ([]byte, error) {
	b := []byte(s)
	if len(b) > 0xFFFF {
		return nil, fmt.Errorf("wire: string too long")
	}
	buf := make([]byte, 0, 2+len(b))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	buf = append(buf, b...)
	return buf, nil
}

func decodeLPString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("wire: string: too short")
	}
	n := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	if len(buf) < int(n) {
		return "", nil, fmt.Errorf("wire: string: too short")
	}
	return string(buf[:n]), buf[n:], nil
}
