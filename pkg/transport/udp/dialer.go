// Package udp carries stack connections over UDP, made reliable and ordered
// by KCP. KCP has no FIN, so a peer only notices a close through its own
// receive timeout.
package udp

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"

	"dominicbreuker/asynctcp/pkg/config"
)

// Dialer opens one KCP session per Dial, each on its own UDP socket.
type Dialer struct {
	listenPacket config.PacketListenerFunc
}

// NewDialer takes its UDP sockets from deps.PacketListener when set.
func NewDialer(deps *config.Dependencies) *Dialer {
	return &Dialer{listenPacket: config.GetPacketListenerFunc(deps)}
}

// Dial sets up a session with addr. KCP does not handshake, so this returns
// as soon as the socket exists.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	pc, err := d.listenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen(udp, :0): %w", err)
	}

	sess, err := kcp.NewConn(addr, nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp.NewConn(%s): %w", addr, err)
	}
	tune(sess)

	return &session{UDPSession: sess, pc: pc}, nil
}

// tune switches KCP to low latency stream mode:
// nodelay on, 10ms interval, fast resend after 2 acks, no congestion window.
func tune(s *kcp.UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetWindowSize(1024, 1024)
}

// session owns the UDP socket of a dialed KCP session.
type session struct {
	*kcp.UDPSession
	pc net.PacketConn
}

func (s *session) Close() error {
	err := s.UDPSession.Close()
	s.pc.Close()
	return err
}
