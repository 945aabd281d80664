//go:build linux || darwin || freebsd || netbsd || openbsd

package netstack

import (
	"net"

	"golang.org/x/sys/unix"
)

// segmentSize reads TCP_MAXSEG from a TCP socket.
func segmentSize(conn net.Conn) (int, bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, false
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, false
	}

	var mss int
	var serr error
	if err := raw.Control(func(fd uintptr) {
		mss, serr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG)
	}); err != nil || serr != nil || mss <= 0 {
		return 0, false
	}
	return mss, true
}
