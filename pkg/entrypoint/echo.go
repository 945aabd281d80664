package entrypoint

import (
	"time"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/stack"
)

// echo serves every accepted client by writing back what it receives.
// Received bytes are acknowledged only once they fit into the send buffer,
// so a slow reader throttles its own sender. A segment becomes receive debt
// only after its data callback returns, so echoed bytes are settled on the
// next ack or poll. Secure clients have no receive debt. All methods run on
// the loop.
type echo struct {
	logger     *log.Logger
	ackTimeout time.Duration
	rxTimeout  time.Duration

	conns map[*asynctcp.Client]*echoConn
}

type echoConn struct {
	pending []byte
	// owed counts echoed bytes whose receive debt is still open.
	owed int
}

func newEcho(logger *log.Logger, ackTimeout, rxTimeout time.Duration) *echo {
	return &echo{
		logger:     logger,
		ackTimeout: ackTimeout,
		rxTimeout:  rxTimeout,
		conns:      make(map[*asynctcp.Client]*echoConn),
	}
}

// add is the server's client handler.
func (e *echo) add(c *asynctcp.Client) {
	if e.ackTimeout > 0 {
		c.SetAckTimeout(e.ackTimeout)
	}
	if e.rxTimeout > 0 {
		c.SetRxTimeout(e.rxTimeout)
	}

	ec := &echoConn{}
	e.conns[c] = ec
	e.logger.InfoMsg("New connection from %s (id=%d)\n", c.RemoteAddr(), c.ConnectionID())

	c.OnData(func(c *asynctcp.Client, data []byte) {
		c.AckLater()
		ec.pending = append(ec.pending, data...)
		e.flush(c, ec)
	})
	c.OnAck(func(c *asynctcp.Client, _ int, _ time.Duration) {
		e.settle(c, ec)
		e.flush(c, ec)
	})
	c.OnPoll(func(c *asynctcp.Client) {
		e.settle(c, ec)
		e.flush(c, ec)
	})
	c.OnTimeout(func(c *asynctcp.Client, elapsed time.Duration) {
		e.logger.VerboseMsg("Connection %d: no ack after %s, closing\n", c.ConnectionID(), elapsed)
		c.Close(true)
	})
	c.OnError(func(c *asynctcp.Client, err stack.Err) {
		e.logger.VerboseMsg("Connection %d: %s\n", c.ConnectionID(), asynctcp.ErrorToString(err))
	})
	c.OnDisconnect(func(c *asynctcp.Client) {
		delete(e.conns, c)
		e.logger.InfoMsg("Connection %d closed\n", c.ConnectionID())
		c.Release()
	})
}

func (e *echo) flush(c *asynctcp.Client, ec *echoConn) {
	if len(ec.pending) == 0 {
		return
	}
	n := c.Write(ec.pending)
	if n == 0 {
		return
	}
	ec.pending = ec.pending[n:]
	if len(ec.pending) == 0 {
		ec.pending = nil
	}
	if !c.Secure() {
		ec.owed += n
		e.settle(c, ec)
	}
}

// settle acknowledges echoed bytes as far as they are receive debt.
func (e *echo) settle(c *asynctcp.Client, ec *echoConn) {
	if ec.owed > 0 {
		ec.owed -= c.Ack(ec.owed)
	}
}

// closeAll closes every open client.
func (e *echo) closeAll() {
	clients := make([]*asynctcp.Client, 0, len(e.conns))
	for c := range e.conns {
		clients = append(clients, c)
	}
	for _, c := range clients {
		c.Close(true)
	}
}

// count returns the number of open clients.
func (e *echo) count() int {
	return len(e.conns)
}
