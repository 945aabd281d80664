// Package transport turns a protocol choice into the dial and listen
// functions a network stack runs its connections on. Every transport yields
// plain net.Conn streams:
//
//   - tcp: one TCP connection per stream
//   - ws: one websocket per stream, binary messages
//   - udp: one KCP session per stream
//   - mux: yamux streams over a shared TCP connection per peer
package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/transport/mux"
	"dominicbreuker/asynctcp/pkg/transport/tcp"
	"dominicbreuker/asynctcp/pkg/transport/udp"
	"dominicbreuker/asynctcp/pkg/transport/ws"
)

// DialFunc opens a stream to addr ("host:port").
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ListenFunc binds addr and yields the streams peers open.
type ListenFunc func(addr string) (net.Listener, error)

// Transport bundles the two directions of one protocol.
type Transport struct {
	Protocol config.Protocol
	Dial     DialFunc
	Listen   ListenFunc

	closer io.Closer
}

// New builds the transport for proto. ctx bounds the lifetime of websocket
// connections.
func New(ctx context.Context, proto config.Protocol, deps *config.Dependencies, logger *log.Logger) (*Transport, error) {
	t := &Transport{Protocol: proto}

	switch proto {
	case config.ProtoTCP:
		t.Dial = tcp.NewDialer(deps).Dial
		t.Listen = func(addr string) (net.Listener, error) {
			return tcp.NewListener(addr, deps)
		}
	case config.ProtoWS:
		t.Dial = ws.NewDialer(ctx, deps).Dial
		t.Listen = func(addr string) (net.Listener, error) {
			return ws.NewListener(ctx, addr, deps, logger)
		}
	case config.ProtoUDP:
		t.Dial = udp.NewDialer(deps).Dial
		t.Listen = func(addr string) (net.Listener, error) {
			return udp.NewListener(addr, deps)
		}
	case config.ProtoMux:
		d := mux.NewDialer(deps, logger)
		t.Dial = d.Dial
		t.closer = d
		t.Listen = func(addr string) (net.Listener, error) {
			return mux.NewListener(addr, deps, logger)
		}
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}

	return t, nil
}

// Close releases dialer state shared between streams.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
