// Package format converts between the address representations used by the
// transports and the stack.
package format

import (
	"net"
	"net/netip"
	"strconv"
)

// Addr joins host and port, bracketing IPv6 literals.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// AddrPort converts a transport address to the stack's representation. It
// returns the zero value when the address carries no IP and port, as some
// tunnelled connections do.
func AddrPort(a net.Addr) netip.AddrPort {
	switch v := a.(type) {
	case nil:
		return netip.AddrPort{}
	case *net.TCPAddr:
		return unmap(v.AddrPort())
	case *net.UDPAddr:
		return unmap(v.AddrPort())
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return unmap(ap)
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
