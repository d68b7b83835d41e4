//go:build !unix

package sockopt

import "net"

// reuseAddr is a no-op outside unix: SO_REUSEADDR plumbing here is only
// exercised on the Linux deployment target this tool ships for.
func reuseAddr(conn *net.UDPConn) error {
	return nil
}
