package tcp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Listener is the in-memory counterpart of a *net.TCPListener.
type Listener struct {
	addr     *net.TCPAddr
	incoming chan *Conn
	accepted chan *Conn
	done     chan struct{}
	once     sync.Once
	network  *Network
}

var _ net.Listener = (*Listener)(nil)

// Accept waits for the next dial.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.incoming:
		select {
		case l.accepted <- c:
		default:
		}
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting and frees the address. Accepted connections stay open.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.remove(l)
	})
	return nil
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

// WaitForNewConnection returns the next connection handed out by Accept.
func (l *Listener) WaitForNewConnection(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for new connection on %s", l.addr)
	}
}
