// Package tcp is an in-memory stream network for tests. Listeners register
// under their address and every dial is a net.Pipe handed to the listener,
// so the functions plug straight into config.Dependencies.
package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Network routes dials to listeners by address.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	changed   chan struct{}
	nextPort  int
}

// NewNetwork returns an empty network. Ephemeral ports start at 40000.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*Listener),
		changed:   make(chan struct{}),
		nextPort:  40000,
	}
}

// Listen matches config.TCPListenerFunc. Port 0 picks a free port.
func (n *Network) Listen(network, addr string) (net.Listener, error) {
	laddr, err := resolve(network, addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if laddr.Port == 0 {
		laddr.Port = n.ephemeral()
	}
	key := laddr.String()
	if _, exists := n.listeners[key]; exists {
		return nil, &net.OpError{Op: "listen", Net: network, Addr: laddr, Err: syscall.EADDRINUSE}
	}

	l := &Listener{
		addr:     laddr,
		incoming: make(chan *Conn, 16),
		accepted: make(chan *Conn, 16),
		done:     make(chan struct{}),
		network:  n,
	}
	n.listeners[key] = l
	n.broadcast()

	return l, nil
}

// Dial matches config.TCPDialerFunc. A dial to a port nobody listens on is
// refused with ECONNREFUSED.
func (n *Network) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	raddr, err := resolve(network, addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	l := n.lookup(raddr)
	laddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.ephemeral()}
	n.mu.Unlock()

	if l == nil {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: raddr, Err: syscall.ECONNREFUSED}
	}

	client, server := net.Pipe()
	c := &Conn{Conn: client, local: laddr, remote: raddr}
	s := &Conn{Conn: server, local: raddr, remote: laddr}

	select {
	case l.incoming <- s:
		return c, nil
	case <-l.done:
		err = &net.OpError{Op: "dial", Net: network, Addr: raddr, Err: syscall.ECONNREFUSED}
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(time.Second):
		err = fmt.Errorf("dial %s: backlog full", raddr)
	}
	client.Close()
	server.Close()
	return nil, err
}

// WaitForListener blocks until something listens on addr.
func (n *Network) WaitForListener(addr string, timeout time.Duration) (*Listener, error) {
	deadline := time.After(timeout)
	for {
		n.mu.Lock()
		l, ok := n.listeners[addr]
		changed := n.changed
		n.mu.Unlock()

		if ok {
			return l, nil
		}

		select {
		case <-changed:
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for listener on %s", addr)
		}
	}
}

func (n *Network) lookup(raddr *net.TCPAddr) *Listener {
	if l, ok := n.listeners[raddr.String()]; ok {
		return l
	}
	wildcard := &net.TCPAddr{Port: raddr.Port}
	return n.listeners[wildcard.String()]
}

func (n *Network) remove(l *Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, l.addr.String())
	n.broadcast()
}

// broadcast wakes every WaitForListener. Callers hold n.mu.
func (n *Network) broadcast() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *Network) ephemeral() int {
	n.nextPort++
	return n.nextPort
}

func resolve(network, addr string) (*net.TCPAddr, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	a := &net.TCPAddr{Port: p}
	if host != "" {
		if a.IP = net.ParseIP(host); a.IP == nil {
			return nil, fmt.Errorf("no such host: %s", host)
		}
		if a.IP.IsUnspecified() {
			a.IP = nil
		}
	}
	return a, nil
}
