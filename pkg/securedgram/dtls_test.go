package securedgram

import (
	"net/netip"
	"testing"
)

func TestRoleAssignmentIsSymmetric(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("10.0.0.2:4000")

	aIsClient := endpointOf(a).Less(endpointOf(b))
	bIsClient := endpointOf(b).Less(endpointOf(a))

	if aIsClient == bIsClient {
		t.Fatalf("exactly one side must be the client: a=%v b=%v", aIsClient, bIsClient)
	}
	if !aIsClient {
		t.Fatalf("expected 10.0.0.1 (lexicographically smaller) to be the client")
	}
}

func TestRoleAssignmentUsesPortAsTiebreak(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("10.0.0.1:4001")

	if !endpointOf(a).Less(endpointOf(b)) {
		t.Fatalf("expected same-IP lower port to compare less")
	}
}

func TestErrHandshakeFailedUnwraps(t *testing.T) {
	inner := ErrTimeout
	err := &ErrHandshakeFailed{Attempts: 3, Last: inner}
	if err.Unwrap() != inner {
		t.Fatalf("Unwrap did not return wrapped error")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
