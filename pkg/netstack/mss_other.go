//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package netstack

import "net"

func segmentSize(net.Conn) (int, bool) { return 0, false }
