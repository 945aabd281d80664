// Package ws carries stack connections inside binary websocket messages.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"dominicbreuker/asynctcp/pkg/config"
)

const subprotocol = "bin"

// Dialer upgrades an HTTP connection to a websocket and exposes it as a
// net.Conn.
type Dialer struct {
	ctx    context.Context
	client *http.Client
}

// NewDialer returns a dialer whose connections live until ctx is done or
// they are closed. The underlying TCP connection comes from deps.TCPDialer.
func NewDialer(ctx context.Context, deps *config.Dependencies) *Dialer {
	dial := config.GetTCPDialerFunc(deps)
	return &Dialer{
		ctx: ctx,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dial(ctx, network, addr)
				},
			},
		},
	}
}

// Dial connects to ws://addr/. ctx bounds the handshake only.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	url := "ws://" + addr + "/"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPClient:   d.client,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket.Dial(%s): %w", url, err)
	}
	c.SetReadLimit(-1)
	return websocket.NetConn(d.ctx, c, websocket.MessageBinary), nil
}
