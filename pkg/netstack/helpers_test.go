package netstack

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mocks_tcp "dominicbreuker/asynctcp/mocks/tcp"
	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/transport"
)

const wait = 2 * time.Second

// start runs a stack on an in-memory network until the test ends.
func start(t *testing.T, opts ...Option) (*Stack, *mocks_tcp.Network) {
	t.Helper()

	network := mocks_tcp.NewNetwork()
	st, _ := startOn(t, network, opts...)
	return st, network
}

// startOn runs a stack on network. stop ends the loop and waits for it.
func startOn(t *testing.T, network *mocks_tcp.Network, opts ...Option) (*Stack, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	tr, err := transport.New(ctx, config.ProtoTCP, &config.Dependencies{
		TCPDialer:   network.Dial,
		TCPListener: network.Listen,
	}, nil)
	require.NoError(t, err)

	st := New(append([]Option{WithTransport(tr)}, opts...)...)
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return st, stop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, st *Stack, fn func()) {
	t.Helper()

	done := make(chan struct{})
	st.Do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("event loop did not run the closure")
	}
}

func live(t *testing.T, st *Stack) int {
	var n int
	onLoop(t, st, func() { n = st.Live() })
	return n
}

// peer accepts one raw connection on addr.
func peer(t *testing.T, network *mocks_tcp.Network, addr string) <-chan net.Conn {
	t.Helper()

	l, err := network.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			t.Cleanup(func() { c.Close() })
			ch <- c
		}
	}()
	return ch
}

func recvConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(wait):
		t.Fatal("no connection arrived")
		return nil
	}
}
