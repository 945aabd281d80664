package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/semaphore"
)

// MaxConns is the number of concurrent websocket connections a listener
// holds. Further upgrade requests get 503.
const MaxConns = 100

// Listener serves websocket upgrades on an HTTP server and hands each
// upgraded connection to Accept.
type Listener struct {
	ctx    context.Context
	nl     net.Listener
	srv    *http.Server
	slots  *semaphore.Slots
	logger *log.Logger

	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

var _ net.Listener = (*Listener)(nil)

// NewListener binds addr and starts serving. Accepted connections outlive
// the listener and end when closed or when ctx is done.
func NewListener(ctx context.Context, addr string, deps *config.Dependencies, logger *log.Logger) (*Listener, error) {
	nl, err := config.GetTCPListenerFunc(deps)("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ctx:    ctx,
		nl:     nl,
		slots:  semaphore.New(MaxConns, 0),
		logger: logger,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorMsg("websocket listener on %s: %s\n", nl.Addr(), err)
		}
	}()

	return l, nil
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !l.slots.TryAcquire() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer l.slots.Release()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		l.logger.ErrorMsg("websocket.Accept(): %s\n", err)
		return
	}
	c.SetReadLimit(-1)

	conn := &conn{
		Conn:   websocket.NetConn(l.ctx, c, websocket.MessageBinary),
		closed: make(chan struct{}),
	}
	conn.remote, _ = net.ResolveTCPAddr("tcp", r.RemoteAddr)
	conn.local, _ = r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	l.logger.VerboseMsg("websocket connection from %s\n", r.RemoteAddr)

	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
		return
	}

	// the hijacked connection is served until the stack closes it
	select {
	case <-conn.closed:
	case <-l.ctx.Done():
	}
}

// Accept returns the next upgraded connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.nl.Addr()
}

// conn reports HTTP-level addresses and signals the handler when closed.
type conn struct {
	net.Conn
	local  net.Addr
	remote *net.TCPAddr

	once   sync.Once
	closed chan struct{}
}

func (c *conn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

func (c *conn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}
