package config

import (
	"context"
	"io"
	"net"
	"os"
)

// Dependencies contains injectable dependencies for testing and customization.
// All fields are optional and will use default implementations if nil.
type Dependencies struct {
	TCPDialer      TCPDialerFunc
	TCPListener    TCPListenerFunc
	PacketListener PacketListenerFunc
	Stdin          StdinFunc
	Stdout         StdoutFunc
}

// TCPDialerFunc dials a stream connection.
type TCPDialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TCPListenerFunc opens a stream listener.
type TCPListenerFunc func(network, addr string) (net.Listener, error)

// PacketListenerFunc opens a packet socket.
type PacketListenerFunc func(network, addr string) (net.PacketConn, error)

// StdinFunc returns the reader used as standard input.
type StdinFunc func() io.Reader

// StdoutFunc returns the writer used as standard output.
type StdoutFunc func() io.Writer

// GetTCPDialerFunc returns the dialer from deps, or one using net.Dialer.
func GetTCPDialerFunc(deps *Dependencies) TCPDialerFunc {
	if deps != nil && deps.TCPDialer != nil {
		return deps.TCPDialer
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
}

// GetTCPListenerFunc returns the listener from deps, or net.Listen.
func GetTCPListenerFunc(deps *Dependencies) TCPListenerFunc {
	if deps != nil && deps.TCPListener != nil {
		return deps.TCPListener
	}
	return net.Listen
}

// GetPacketListenerFunc returns the packet listener from deps, or
// net.ListenPacket.
func GetPacketListenerFunc(deps *Dependencies) PacketListenerFunc {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener
	}
	return net.ListenPacket
}

// GetStdinFunc returns the stdin function from deps, or os.Stdin.
func GetStdinFunc(deps *Dependencies) StdinFunc {
	if deps != nil && deps.Stdin != nil {
		return deps.Stdin
	}
	return func() io.Reader {
		return os.Stdin
	}
}

// GetStdoutFunc returns the stdout function from deps, or os.Stdout.
func GetStdoutFunc(deps *Dependencies) StdoutFunc {
	if deps != nil && deps.Stdout != nil {
		return deps.Stdout
	}
	return func() io.Writer {
		return os.Stdout
	}
}
