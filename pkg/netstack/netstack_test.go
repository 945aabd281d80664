package netstack

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mocks_tcp "dominicbreuker/asynctcp/mocks/tcp"
	"dominicbreuker/asynctcp/pkg/stack"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func TestConnectEcho(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	srv, err := mocks_tcp.NewServer(network.Listen, "127.0.0.1:9501", "ECHO: ")
	require.NoError(t, err)
	defer srv.Close()

	got := make(chan []byte, 16)
	acked := make(chan int, 16)

	onLoop(t, st, func() {
		p := st.NewPCB()
		require.NotNil(t, p)
		p.OnRecv(func(pcb stack.PCB, pb *stack.Pbuf, err stack.Err) stack.Err {
			if pb != nil {
				got <- pb.Bytes()
				pcb.Recved(pb.TotLen())
			}
			return stack.ErrOK
		})
		p.OnSent(func(_ stack.PCB, n int) stack.Err {
			acked <- n
			return stack.ErrOK
		})
		require.Equal(t, stack.ErrOK, p.Connect(loopback, 9501, func(pcb stack.PCB, err stack.Err) stack.Err {
			require.Equal(t, stack.Established, pcb.State())
			require.Equal(t, stack.ErrOK, pcb.Write([]byte("hi\n"), stack.WriteFlagCopy))
			require.Equal(t, DefaultSndBuf-3, pcb.SndBuf())
			require.Equal(t, stack.ErrOK, pcb.Output())
			return stack.ErrOK
		}))
		require.Equal(t, stack.SynSent, p.State())
	})

	var buf bytes.Buffer
	for !strings.HasSuffix(buf.String(), "\n") {
		select {
		case b := <-got:
			buf.Write(b)
		case <-time.After(wait):
			t.Fatalf("received %q so far", buf.String())
		}
	}
	require.Equal(t, "ECHO: hi\n", buf.String())

	select {
	case n := <-acked:
		require.Equal(t, 3, n)
	case <-time.After(wait):
		t.Fatal("sent upcall missing")
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	st, _ := start(t)
	errs := make(chan stack.Err, 1)

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.OnErr(func(err stack.Err) { errs <- err })
		p.Connect(loopback, 9502, func(stack.PCB, stack.Err) stack.Err {
			t.Error("connected upcall on refused connection")
			return stack.ErrOK
		})
	})

	select {
	case err := <-errs:
		require.Equal(t, stack.ErrRst, err)
	case <-time.After(wait):
		t.Fatal("error upcall missing")
	}
	require.Equal(t, 0, live(t, st))
}

func TestMaxPCBs(t *testing.T) {
	t.Parallel()

	st, _ := start(t, WithMaxPCBs(1))

	onLoop(t, st, func() {
		p := st.NewPCB()
		require.NotNil(t, p)
		require.Nil(t, st.NewPCB())

		require.Equal(t, stack.ErrOK, p.Close())
		require.Equal(t, stack.ErrConn, p.Close())
		require.NotNil(t, st.NewPCB())
	})
}

func TestBindListenAccept(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	accepted := make(chan stack.PCB, 1)

	onLoop(t, st, func() {
		p := st.NewPCB()
		require.Equal(t, stack.ErrOK, p.Bind(netip.Addr{}, 9503))

		busy := st.NewPCB()
		require.Equal(t, stack.ErrUse, busy.Bind(netip.Addr{}, 9503))
		busy.Close()

		l := p.Listen()
		require.NotNil(t, l)
		require.Equal(t, stack.Listen, l.State())
		require.Nil(t, p.Listen())
		l.OnAccept(func(pcb stack.PCB, err stack.Err) stack.Err {
			require.Equal(t, stack.ErrOK, err)
			accepted <- pcb
			return stack.ErrOK
		})
		require.Equal(t, 1, st.Live())
	})

	c, err := mocks_tcp.NewClient(context.Background(), network.Dial, "127.0.0.1:9503")
	require.NoError(t, err)
	defer c.Close()

	select {
	case pcb := <-accepted:
		onLoop(t, st, func() {
			require.Equal(t, stack.Established, pcb.State())
			require.Equal(t, uint16(9503), pcb.LocalAddr().Port())
		})
	case <-time.After(wait):
		t.Fatal("accept upcall missing")
	}
	require.Equal(t, 2, live(t, st))
}

func TestAcceptRejected(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	onLoop(t, st, func() {
		p := st.NewPCB()
		require.Equal(t, stack.ErrOK, p.Bind(netip.Addr{}, 9504))
		p.Listen().OnAccept(func(stack.PCB, stack.Err) stack.Err {
			return stack.ErrMem
		})
	})

	c, err := network.Dial(context.Background(), "tcp", "127.0.0.1:9504")
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(wait))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, live(t, st))
}

func TestAbortFiresErrorBeforeReturning(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	conns := peer(t, network, "127.0.0.1:9505")
	connected := make(chan stack.PCB, 1)

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.Connect(loopback, 9505, func(pcb stack.PCB, _ stack.Err) stack.Err {
			connected <- pcb
			return stack.ErrOK
		})
	})
	c := recvConn(t, conns)
	p := <-connected

	onLoop(t, st, func() {
		var got stack.Err
		p.OnErr(func(err stack.Err) { got = err })
		p.Abort()
		require.Equal(t, stack.ErrAbrt, got)
		require.Equal(t, stack.Closed, p.State())
		require.Equal(t, stack.ErrConn, p.Write([]byte("x"), 0))
	})

	c.SetReadDeadline(time.Now().Add(wait))
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestRecvWindow(t *testing.T) {
	t.Parallel()

	st, network := start(t, WithRecvWindow(4))
	conns := peer(t, network, "127.0.0.1:9506")
	got := make(chan int, 16)
	connected := make(chan stack.PCB, 1)

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.OnRecv(func(_ stack.PCB, pb *stack.Pbuf, _ stack.Err) stack.Err {
			if pb != nil {
				got <- pb.TotLen()
			}
			return stack.ErrOK
		})
		p.Connect(loopback, 9506, func(pcb stack.PCB, _ stack.Err) stack.Err {
			connected <- pcb
			return stack.ErrOK
		})
	})
	c := recvConn(t, conns)
	p := <-connected
	go c.Write([]byte("0123456789"))

	total := func(want int) {
		t.Helper()
		n := 0
		for n < want {
			select {
			case m := <-got:
				n += m
			case <-time.After(wait):
				t.Fatalf("received %d bytes, want %d", n, want)
			}
		}
		require.Equal(t, want, n)
	}

	total(4)
	select {
	case m := <-got:
		t.Fatalf("received %d bytes beyond a closed window", m)
	case <-time.After(50 * time.Millisecond):
	}

	onLoop(t, st, func() {
		require.Equal(t, 4, p.(*PCB).in.outstanding())
		p.Recved(4)
	})
	total(4)

	onLoop(t, st, func() { p.Recved(4) })
	total(2)
}

func TestPeerCloseAndClose(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	conns := peer(t, network, "127.0.0.1:9507")
	fin := make(chan stack.PCB, 1)

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.OnRecv(func(pcb stack.PCB, pb *stack.Pbuf, err stack.Err) stack.Err {
			if pb == nil {
				fin <- pcb
			}
			return stack.ErrOK
		})
		p.Connect(loopback, 9507, nil)
	})

	c := recvConn(t, conns)
	c.Close()

	var p stack.PCB
	select {
	case p = <-fin:
	case <-time.After(wait):
		t.Fatal("FIN not delivered")
	}

	onLoop(t, st, func() {
		require.Equal(t, stack.CloseWait, p.State())
		require.Equal(t, stack.ErrOK, p.Close())
		require.Equal(t, stack.LastAck, p.State())
	})
	require.Eventually(t, func() bool { return live(t, st) == 0 }, wait, 10*time.Millisecond)
}

func TestCloseFlushesQueuedData(t *testing.T) {
	t.Parallel()

	st, network := start(t)
	conns := peer(t, network, "127.0.0.1:9508")

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.Connect(loopback, 9508, func(pcb stack.PCB, _ stack.Err) stack.Err {
			pcb.Write([]byte("bye"), stack.WriteFlagCopy)
			require.Equal(t, stack.ErrOK, pcb.Close())
			require.Equal(t, stack.FinWait1, pcb.State())
			require.Equal(t, stack.ErrConn, pcb.Write([]byte("late"), 0))
			return stack.ErrOK
		})
	})

	c := recvConn(t, conns)
	c.SetReadDeadline(time.Now().Add(wait))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "bye", string(b))
	require.Eventually(t, func() bool { return live(t, st) == 0 }, wait, 10*time.Millisecond)
}

func TestPoll(t *testing.T) {
	t.Parallel()

	st, _ := start(t, WithPollInterval(5*time.Millisecond))
	polls := make(chan struct{}, 64)

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.OnPoll(func(stack.PCB) stack.Err {
			select {
			case polls <- struct{}{}:
			default:
			}
			return stack.ErrOK
		}, 2)
	})

	for i := 0; i < 3; i++ {
		select {
		case <-polls:
		case <-time.After(wait):
			t.Fatalf("poll %d missing", i)
		}
	}
}

func TestRefusedDataRedelivered(t *testing.T) {
	t.Parallel()

	st, network := start(t, WithPollInterval(5*time.Millisecond))
	conns := peer(t, network, "127.0.0.1:9510")
	got := make(chan string, 4)
	refuse := true

	onLoop(t, st, func() {
		p := st.NewPCB()
		p.OnRecv(func(pcb stack.PCB, pb *stack.Pbuf, _ stack.Err) stack.Err {
			if pb == nil {
				return stack.ErrOK
			}
			if refuse {
				refuse = false
				return stack.ErrMem
			}
			got <- string(pb.Bytes())
			return stack.ErrOK
		})
		p.Connect(loopback, 9510, nil)
	})

	c := recvConn(t, conns)
	go c.Write([]byte("data"))

	select {
	case s := <-got:
		require.Equal(t, "data", s)
	case <-time.After(wait):
		t.Fatal("refused data was not offered again")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	st, _ := start(t)

	tests := []struct {
		name string
		host string
		want stack.Err
		ip   netip.Addr
	}{
		{name: "ipv4 literal", host: "192.0.2.7", want: stack.ErrOK, ip: netip.MustParseAddr("192.0.2.7")},
		{name: "mapped literal", host: "::ffff:10.0.0.1", want: stack.ErrOK, ip: netip.MustParseAddr("10.0.0.1")},
		{name: "empty", host: "", want: stack.ErrArg},
		{name: "name", host: "localhost", want: stack.ErrInProgress},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			answered := make(chan bool, 1)
			var ip netip.Addr
			var err stack.Err
			onLoop(t, st, func() {
				ip, err = st.Resolve(tc.host, func(netip.Addr, bool) { answered <- true })
			})
			require.Equal(t, tc.want, err)
			if tc.want == stack.ErrOK {
				require.Equal(t, tc.ip, ip)
			}
			if tc.want == stack.ErrInProgress {
				select {
				case <-answered:
				case <-time.After(15 * time.Second):
					t.Fatal("resolve callback missing")
				}
			}
		})
	}
}

func TestPickAddr(t *testing.T) {
	t.Parallel()

	v6 := netip.MustParseAddr("2001:db8::1")
	v4 := netip.MustParseAddr("192.0.2.1")

	ip, ok := pickAddr([]netip.Addr{v6, v4})
	require.True(t, ok)
	require.Equal(t, v4, ip)

	ip, ok = pickAddr([]netip.Addr{v6})
	require.True(t, ok)
	require.Equal(t, v6, ip)

	_, ok = pickAddr(nil)
	require.False(t, ok)
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()

	network := mocks_tcp.NewNetwork()
	l, err := network.Listen("tcp", "127.0.0.1:9511")
	require.NoError(t, err)
	defer l.Close()

	st, stop := startOn(t, network)
	onLoop(t, st, func() { st.NewPCB().Connect(loopback, 9511, nil) })

	c, err := l.Accept()
	require.NoError(t, err)
	defer c.Close()

	stop()
	c.SetReadDeadline(time.Now().Add(wait))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	st.Do(func() { t.Error("closure ran after shutdown") })
}
