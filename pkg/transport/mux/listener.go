package mux

import (
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/transport/tcp"
)

// Listener accepts TCP connections, runs a yamux server session on each and
// yields the streams peers open.
type Listener struct {
	nl     net.Listener
	logger *log.Logger

	streams chan net.Conn
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}
}

var _ net.Listener = (*Listener)(nil)

func NewListener(addr string, deps *config.Dependencies, logger *log.Logger) (*Listener, error) {
	nl, err := tcp.NewListener(addr, deps)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		nl:       nl,
		logger:   logger,
		streams:  make(chan net.Conn),
		done:     make(chan struct{}),
		sessions: make(map[*yamux.Session]struct{}),
	}
	go l.acceptSessions()
	return l, nil
}

func (l *Listener) acceptSessions() {
	for {
		conn, err := l.nl.Accept()
		if err != nil {
			return
		}

		sess, err := yamux.Server(conn, sessionConfig(l.logger))
		if err != nil {
			l.logger.ErrorMsg("yamux.Server(%s): %s\n", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		l.logger.VerboseMsg("mux session from %s\n", conn.RemoteAddr())

		l.mu.Lock()
		l.sessions[sess] = struct{}{}
		l.mu.Unlock()

		go l.acceptStreams(sess)
	}
}

func (l *Listener) acceptStreams(sess *yamux.Session) {
	defer func() {
		l.mu.Lock()
		delete(l.sessions, sess)
		l.mu.Unlock()
	}()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}

		select {
		case l.streams <- stream:
		case <-l.done:
			stream.Close()
			return
		}
	}
}

// Accept returns the next stream from any session.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting sessions and streams. Streams already accepted keep
// their sessions alive.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.nl.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.nl.Addr()
}

// Sessions is the number of live client sessions.
func (l *Listener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
