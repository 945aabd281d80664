package netstack

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/stack"
)

// runLoopback runs a stack on real TCP.
func runLoopback(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	st := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return st
}

func TestLoopbackEchoServer(t *testing.T) {
	t.Parallel()

	st := runLoopback(t)

	var port uint16
	onLoop(t, st, func() {
		srv := asynctcp.NewServer(st, netip.MustParseAddr("127.0.0.1"), 0)
		srv.OnClient(func(c *asynctcp.Client) {
			c.OnData(func(c *asynctcp.Client, data []byte) {
				c.Write(data)
			})
		})
		srv.Begin()
		require.Equal(t, stack.Listen, srv.Status())

		for p := range st.pcbs {
			port = p.LocalAddr().Port()
		}
	})
	require.NotZero(t, port)

	conn, err := net.DialTimeout("tcp", netip.AddrPortFrom(loopback, port).String(), wait)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(wait))

	r := bufio.NewReader(conn)
	for _, line := range []string{"hello\n", "async\n", "world\n"} {
		_, err := conn.Write([]byte(line))
		require.NoError(t, err)
		got, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, line, got)
	}
}

func TestLoopbackMSS(t *testing.T) {
	t.Parallel()

	st := runLoopback(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			defer c.Close()
			time.Sleep(wait)
		}
	}()

	mss := make(chan int, 1)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	onLoop(t, st, func() {
		st.NewPCB().Connect(loopback, port, func(pcb stack.PCB, _ stack.Err) stack.Err {
			mss <- pcb.MSS()
			return stack.ErrOK
		})
	})

	select {
	case n := <-mss:
		require.Positive(t, n)
	case <-time.After(wait):
		t.Fatal("connected upcall missing")
	}
}

func TestLoopbackFinTimeout(t *testing.T) {
	t.Parallel()

	st := runLoopback(t, WithFinTimeout(50*time.Millisecond))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()

	connected := make(chan stack.PCB, 1)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	onLoop(t, st, func() {
		st.NewPCB().Connect(loopback, port, func(pcb stack.PCB, _ stack.Err) stack.Err {
			connected <- pcb
			return stack.ErrOK
		})
	})

	c := recvConn(t, accepted)
	defer c.Close()
	p := <-connected

	// the peer reads our FIN but never sends its own
	onLoop(t, st, func() { p.Close() })
	c.SetReadDeadline(time.Now().Add(wait))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool { return live(t, st) == 0 }, wait, 10*time.Millisecond)
}
