// Package tcp carries stack connections over plain TCP.
package tcp

import (
	"context"
	"fmt"
	"net"

	"dominicbreuker/asynctcp/pkg/config"
)

// Dialer opens TCP connections with keep-alive enabled.
type Dialer struct {
	dial config.TCPDialerFunc
}

// NewDialer uses deps.TCPDialer when set, otherwise a net.Dialer.
func NewDialer(deps *config.Dependencies) *Dialer {
	return &Dialer{dial: config.GetTCPDialerFunc(deps)}
}

// Dial connects to addr ("host:port").
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("net.SplitHostPort(%s): %w", addr, err)
	}

	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial(tcp, %s): %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	return conn, nil
}
