// Package mux multiplexes stack connections as yamux streams over one TCP
// connection per remote address.
package mux

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/transport/tcp"
)

// Dialer keeps one client session per address and opens a stream per Dial.
type Dialer struct {
	tcp    *tcp.Dialer
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*yamux.Session
}

func NewDialer(deps *config.Dependencies, logger *log.Logger) *Dialer {
	return &Dialer{
		tcp:      tcp.NewDialer(deps),
		logger:   logger,
		sessions: make(map[string]*yamux.Session),
	}
}

// Dial opens a stream to addr, connecting a new session first if there is
// none or the previous one died.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	sess, err := d.session(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("OpenStream(%s): %w", addr, err)
	}
	return stream, nil
}

func (d *Dialer) session(ctx context.Context, addr string) (*yamux.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sess, ok := d.sessions[addr]; ok && !sess.IsClosed() {
		return sess, nil
	}

	conn, err := d.tcp.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	sess, err := yamux.Client(conn, sessionConfig(d.logger))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux.Client(%s): %w", addr, err)
	}
	d.logger.VerboseMsg("mux session to %s established\n", addr)
	d.sessions[addr] = sess
	return sess, nil
}

// Close tears down every session and with it all streams.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, sess := range d.sessions {
		sess.Close()
		delete(d.sessions, addr)
	}
	return nil
}

func sessionConfig(logger *log.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = yamuxLogger{logger}
	return cfg
}

// yamuxLogger routes yamux's internal messages to verbose output.
type yamuxLogger struct {
	l *log.Logger
}

func (y yamuxLogger) Print(v ...interface{}) {
	y.l.VerboseMsg("%s\n", fmt.Sprint(v...))
}

func (y yamuxLogger) Printf(format string, v ...interface{}) {
	y.l.VerboseMsg(format+"\n", v...)
}

func (y yamuxLogger) Println(v ...interface{}) {
	y.l.VerboseMsg("%s", fmt.Sprintln(v...))
}
