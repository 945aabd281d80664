package asynctcp

import (
	"net/netip"
	"testing"
	"time"

	"dominicbreuker/asynctcp/mocks/simstack"
	"dominicbreuker/asynctcp/pkg/stack"

	"github.com/stretchr/testify/require"
)

const testPort = 8080

// recorder captures every callback a client fires.
type recorder struct {
	connects    int
	disconnects int
	polls       int
	data        []byte
	chunks      int
	errs        []stack.Err
	acks        []int
	ackElapsed  []time.Duration
	timeouts    []time.Duration
}

func record(c *Client) *recorder {
	r := &recorder{}
	c.OnConnect(func(*Client) { r.connects++ })
	c.OnDisconnect(func(*Client) { r.disconnects++ })
	c.OnPoll(func(*Client) { r.polls++ })
	c.OnData(func(_ *Client, data []byte) {
		r.chunks++
		r.data = append(r.data, data...)
	})
	c.OnError(func(_ *Client, err stack.Err) { r.errs = append(r.errs, err) })
	c.OnAck(func(_ *Client, n int, elapsed time.Duration) {
		r.acks = append(r.acks, n)
		r.ackElapsed = append(r.ackElapsed, elapsed)
	})
	c.OnTimeout(func(_ *Client, elapsed time.Duration) { r.timeouts = append(r.timeouts, elapsed) })
	return r
}

// serverSide collects clients handed out by a server.
type serverSide struct {
	clients []*Client
	recs    []*recorder
}

func (ss *serverSide) last() (*Client, *recorder) {
	return ss.clients[len(ss.clients)-1], ss.recs[len(ss.recs)-1]
}

func listen(t *testing.T, st *simstack.Stack, opts ...ServerOption) (*Server, *serverSide) {
	t.Helper()
	srv := NewServer(st, netip.Addr{}, testPort, opts...)
	ss := &serverSide{}
	srv.OnClient(func(c *Client) {
		ss.clients = append(ss.clients, c)
		ss.recs = append(ss.recs, record(c))
	})
	srv.Begin()
	require.Equal(t, stack.Listen, srv.Status())
	return srv, ss
}

// dial connects a new client and runs the stack until it settles.
func dial(t *testing.T, st *simstack.Stack) (*Client, *recorder) {
	t.Helper()
	c := NewClient(st)
	r := record(c)
	require.True(t, c.Connect(st.IP, testPort, false))
	st.Run()
	require.True(t, c.Connected(), "client state %s", c.StateString())
	return c, r
}

// simPCB exposes the simulated handle behind a client.
func simPCB(t *testing.T, c *Client) *simstack.PCB {
	t.Helper()
	require.NotNil(t, c.pcb)
	return c.pcb.(*simstack.PCB)
}

func noViolations(t *testing.T, st *simstack.Stack) {
	t.Helper()
	require.Empty(t, st.Violations)
}
