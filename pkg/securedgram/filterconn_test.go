package securedgram

import "testing"

func TestContentTypeFilterBounds(t *testing.T) {
	cases := []struct {
		b    byte
		pass bool
	}{
		{0x00, false}, // priming byte
		{0x13, false},
		{0x14, true}, // ChangeCipherSpec
		{0x16, true}, // Handshake
		{0x17, true}, // ApplicationData
		{0x18, false},
		{0xFF, false},
	}
	for _, c := range cases {
		got := c.b >= minDTLSContentType && c.b <= maxDTLSContentType
		if got != c.pass {
			t.Errorf("byte 0x%02X: pass = %v, want %v", c.b, got, c.pass)
		}
	}
}
