package udp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	kcp "github.com/xtaci/kcp-go/v5"

	"dominicbreuker/asynctcp/pkg/config"
)

// Listener accepts KCP sessions on one UDP socket.
type Listener struct {
	kl *kcp.Listener
	pc net.PacketConn
}

var _ net.Listener = (*Listener)(nil)

// NewListener binds addr. Without an injected packet listener the socket is
// opened with SO_REUSEADDR so a restarted server can rebind at once.
func NewListener(addr string, deps *config.Dependencies) (*Listener, error) {
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	listenPacket := reusableListenPacket
	if deps != nil && deps.PacketListener != nil {
		listenPacket = deps.PacketListener
	}

	pc, err := listenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen(udp, %s): %w", addr, err)
	}

	kl, err := kcp.ServeConn(nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp.ServeConn(): %w", err)
	}

	return &Listener{kl: kl, pc: pc}, nil
}

// Accept returns the next session a peer opened.
func (l *Listener) Accept() (net.Conn, error) {
	sess, err := l.kl.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tune(sess)
	return sess, nil
}

func (l *Listener) Close() error {
	err := l.kl.Close()
	l.pc.Close()
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

func reusableListenPacket(network, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = reuseAddr(fd) }); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(context.Background(), network, addr)
}
