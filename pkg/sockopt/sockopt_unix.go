//go:build unix

package sockopt

import (
	"net"

	"golang.org/x/sys/unix"
)

// reuseAddr sets SO_REUSEADDR on conn's underlying file descriptor, so a
// restarted coordinator can rebind its port immediately instead of waiting
// out TIME_WAIT.
func reuseAddr(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
