package asynctcp

import (
	"errors"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dominicbreuker/asynctcp/mocks/simstack"
	"dominicbreuker/asynctcp/pkg/crypto"
	"dominicbreuker/asynctcp/pkg/secure"
	"dominicbreuker/asynctcp/pkg/stack"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
)

func serverKey(t *testing.T) noise.DHKey {
	t.Helper()
	k, err := secure.GenerateKey(nil)
	require.NoError(t, err)
	return k
}

func listenSecure(t *testing.T, st *simstack.Stack, opts ...ServerOption) (*Server, *serverSide, noise.DHKey) {
	t.Helper()
	key := serverKey(t)
	srv := NewServer(st, netip.Addr{}, testPort, opts...)
	ss := &serverSide{}
	srv.OnClient(func(c *Client) {
		ss.clients = append(ss.clients, c)
		ss.recs = append(ss.recs, record(c))
	})
	srv.BeginWithKey(key)
	require.Equal(t, stack.Listen, srv.Status())
	require.True(t, srv.Secure())
	return srv, ss, key
}

// rawPeer connects a handle that runs no client logic at all.
func rawPeer(t *testing.T, st *simstack.Stack) *simstack.PCB {
	t.Helper()
	p := st.NewPCB().(*simstack.PCB)
	require.Equal(t, stack.ErrOK, p.Connect(st.IP, testPort, nil))
	st.Run()
	return p
}

func listenerPCB(t *testing.T, srv *Server) *simstack.PCB {
	t.Helper()
	require.NotNil(t, srv.pcb)
	return srv.pcb.(*simstack.PCB)
}

func TestBegin(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		st := simstack.New()
		srv, _ := listen(t, st)
		st.FailAlloc = 1
		srv.Begin()
		require.Equal(t, stack.Listen, srv.Status())
	})

	t.Run("address in use", func(t *testing.T) {
		t.Parallel()
		st := simstack.New()
		listen(t, st)
		other := NewServer(st, netip.Addr{}, testPort)
		other.Begin()
		require.Equal(t, stack.Closed, other.Status())
	})

	t.Run("no pcb", func(t *testing.T) {
		t.Parallel()
		st := simstack.New()
		st.FailAlloc = 1
		srv := NewServer(st, netip.Addr{}, testPort)
		srv.Begin()
		require.Equal(t, stack.Closed, srv.Status())
	})

	t.Run("listen fails", func(t *testing.T) {
		t.Parallel()
		st := simstack.New()
		st.FailListen = true
		srv := NewServer(st, netip.Addr{}, testPort)
		srv.Begin()
		require.Equal(t, stack.Closed, srv.Status())
		require.Empty(t, st.Live())
	})
}

func TestServerAccept(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, ss := listen(t, st)
	srv.SetNoDelay(true)
	require.True(t, srv.NoDelay())

	c1, _ := dial(t, st)
	c2, _ := dial(t, st)

	require.Len(t, ss.clients, 2)
	require.Equal(t, c1.LocalAddr(), ss.clients[0].RemoteAddr())
	require.Equal(t, c2.LocalAddr(), ss.clients[1].RemoteAddr())
	require.True(t, ss.clients[0].NoDelay())
	require.NotEqual(t, ss.clients[0].ConnectionID(), ss.clients[1].ConnectionID())
	noViolations(t, st)
}

func TestServerAcceptError(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, ss := listen(t, st)

	require.Equal(t, stack.ErrOK, listenerPCB(t, srv).InjectAcceptErr(stack.ErrMem))
	require.Equal(t, uint64(1), srv.EventCount(EventAcceptCB))
	require.Zero(t, srv.EventCount(eventMax))
	require.Empty(t, ss.clients)
}

func TestServerWithoutClientCallback(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv := NewServer(st, netip.Addr{}, testPort)
	srv.Begin()

	raw := rawPeer(t, st)
	require.Equal(t, stack.CloseWait, raw.State())
	noViolations(t, st)
}

func TestServerEnd(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, _ := listen(t, st)
	c, r := dial(t, st)

	srv.End()
	require.Equal(t, stack.Closed, srv.Status())
	srv.End()

	// established connections survive
	require.True(t, c.Connected())

	other := NewClient(st)
	ro := record(other)
	require.True(t, other.Connect(st.IP, testPort, false))
	st.Run()
	require.Equal(t, []stack.Err{stack.ErrRst}, ro.errs)
	require.Empty(t, r.errs)
	noViolations(t, st)
}

func TestBeginSecure(t *testing.T) {
	t.Parallel()

	kp, err := crypto.GenerateKeyPair("server")
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair("other")
	require.NoError(t, err)
	keyPEM, err := crypto.EncodePrivateKeyPEM(kp, "hunter2")
	require.NoError(t, err)

	files := map[string][]byte{
		"key.pem":   keyPEM,
		"cert.pem":  crypto.EncodePublicKeyPEM(kp.Public),
		"other.pem": crypto.EncodePublicKeyPEM(other.Public),
	}

	tests := []struct {
		name       string
		cert       string
		key        string
		passphrase string
		failListen bool
		wantFail   bool
		wantErr    error
	}{
		{"ok", "cert.pem", "key.pem", "hunter2", false, false, nil},
		{"wrong passphrase", "cert.pem", "key.pem", "hunter3", false, true, crypto.ErrPassphrase},
		{"no passphrase", "cert.pem", "key.pem", "", false, true, crypto.ErrPassphraseUnset},
		{"missing key", "cert.pem", "nope.pem", "hunter2", false, true, fs.ErrNotExist},
		{"missing cert", "nope.pem", "key.pem", "hunter2", false, true, fs.ErrNotExist},
		{"mismatch", "other.pem", "key.pem", "hunter2", false, true, crypto.ErrKeyMismatch},
		{"not a key", "cert.pem", "cert.pem", "", false, true, nil},
		{"listen fails", "cert.pem", "key.pem", "hunter2", true, true, ErrNotListening},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := simstack.New()
			st.FailListen = tc.failListen
			srv := NewServer(st, netip.Addr{}, testPort)
			srv.OnFileRequest(func(name string) ([]byte, error) {
				if b, ok := files[name]; ok {
					return b, nil
				}
				return nil, fs.ErrNotExist
			})

			err := srv.BeginSecure(tc.cert, tc.key, tc.passphrase)
			if !tc.wantFail {
				require.NoError(t, err)
				require.Equal(t, stack.Listen, srv.Status())
				require.Equal(t, kp.Public, srv.PublicKey())
				return
			}
			if err == nil {
				t.Fatalf("BeginSecure() error = nil, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("BeginSecure() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBeginSecureFromDisk(t *testing.T) {
	t.Parallel()

	kp, err := crypto.GenerateKeyPair("")
	require.NoError(t, err)
	keyPEM, err := crypto.EncodePrivateKeyPEM(kp, "")
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, crypto.EncodePublicKeyPEM(kp.Public), 0o644))

	st := simstack.New()
	srv := NewServer(st, netip.Addr{}, testPort)
	require.NoError(t, srv.BeginSecure(certPath, keyPath, ""))
	require.True(t, srv.Secure())

	// already installed
	require.NoError(t, srv.BeginSecure("missing", "missing", ""))
}

func TestSecureRoundTrip(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	_, ss, key := listenSecure(t, st)

	c := NewClient(st, WithPeerKey(key.Public))
	r := record(c)
	require.True(t, c.Connect(st.IP, testPort, true))
	require.Zero(t, c.Space())
	st.Run()

	require.True(t, c.Connected())
	require.True(t, c.Secure())
	require.True(t, c.HandshakeDone())
	require.Equal(t, 1, r.connects)
	require.Equal(t, key.Public, c.PeerKey())
	require.Equal(t, st.SndBuf-secure.Overhead, c.Space())

	require.Len(t, ss.clients, 1)
	sc, sr := ss.last()
	require.True(t, sc.NoDelay())
	sc.OnData(func(sc *Client, data []byte) {
		sr.data = append(sr.data, data...)
		sc.WriteString("pong")
	})

	require.Equal(t, 4, c.WriteString("ping"))
	st.Run()

	require.Equal(t, "ping", string(sr.data))
	require.Equal(t, "pong", string(r.data))
	require.Equal(t, []int{4 + secure.Overhead}, r.acks)
	require.Empty(t, r.errs)
	noViolations(t, st)
	require.Zero(t, st.LiveBufs)
}

func TestSecurePeerKeyMismatch(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, ss, _ := listenSecure(t, st)

	c := NewClient(st, WithPeerKey(serverKey(t).Public))
	r := record(c)
	require.True(t, c.Connect(st.IP, testPort, true))
	st.Run()

	want := stack.Err(int(secure.CodePeerRejected) + stack.SecureErrOffset)
	require.Equal(t, []stack.Err{want}, r.errs)
	require.Equal(t, 1, r.disconnects)
	require.Zero(t, r.connects)
	require.Empty(t, ss.clients)
	require.False(t, srv.sctx.HasActive())
	noViolations(t, st)
}

func TestSecureHandshakeTimeout(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, ss, _ := listenSecure(t, st)

	raw := rawPeer(t, st)
	require.True(t, srv.sctx.HasActive())

	st.Step(HandshakeTimeout - time.Millisecond)
	require.True(t, srv.sctx.HasActive())

	st.Step(time.Millisecond)
	require.False(t, srv.sctx.HasActive())
	require.Equal(t, stack.CloseWait, raw.State())
	require.Empty(t, ss.clients)

	// the slot is free for the next client
	c := NewClient(st)
	require.True(t, c.Connect(st.IP, testPort, true))
	st.Run()
	require.True(t, c.Connected())
	require.Len(t, ss.clients, 1)
	noViolations(t, st)
}

func TestSecurePendingPromotion(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, ss, _ := listenSecure(t, st)

	clients := make([]*Client, 3)
	recs := make([]*recorder, 3)
	for i := range clients {
		clients[i] = NewClient(st)
		recs[i] = record(clients[i])
		require.True(t, clients[i].Connect(st.IP, testPort, true))
	}
	st.Run()

	// one handshake at a time; the rest wait with their first flight buffered
	require.Len(t, ss.clients, 1)
	require.Equal(t, 2, srv.Pending())
	require.Equal(t, 2, st.LiveBufs)
	require.True(t, clients[0].Connected())
	require.False(t, clients[1].Connected())
	require.False(t, clients[2].Connected())

	st.Step(0)
	require.Len(t, ss.clients, 2)
	require.Equal(t, 1, srv.Pending())
	require.True(t, clients[1].Connected())

	st.Step(0)
	require.Len(t, ss.clients, 3)
	require.Zero(t, srv.Pending())

	for i, c := range clients {
		require.True(t, c.Connected(), "client %d", i)
		require.Equal(t, 1, recs[i].connects)
		require.Equal(t, c.LocalAddr(), ss.clients[i].RemoteAddr(), "client %d", i)
	}
	noViolations(t, st)
	require.Zero(t, st.LiveBufs)
}

func TestSecurePendingLimit(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, _, _ := listenSecure(t, st, WithMaxPending(1))

	rawPeer(t, st)
	queued := rawPeer(t, st)
	refused := rawPeer(t, st)

	require.Equal(t, 1, srv.Pending())
	require.Equal(t, stack.Established, queued.State())
	require.Equal(t, stack.CloseWait, refused.State())
	noViolations(t, st)
}

func TestSecurePendingPeerClose(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, _, _ := listenSecure(t, st)

	rawPeer(t, st)
	queued := rawPeer(t, st)
	require.Equal(t, stack.ErrOK, queued.Send([]byte("early bytes")))
	st.Run()
	require.Equal(t, 1, srv.Pending())
	require.Equal(t, 1, st.LiveBufs)

	require.Equal(t, stack.ErrOK, queued.Close())
	st.Run()

	require.Zero(t, srv.Pending())
	require.Zero(t, st.LiveBufs)
	require.True(t, queued.Freed())
	noViolations(t, st)
}

func TestSecurePendingError(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, _, _ := listenSecure(t, st)

	rawPeer(t, st)
	queued := rawPeer(t, st)
	require.Equal(t, stack.ErrOK, queued.Send([]byte("x")))
	st.Run()

	queued.Peer().InjectErr(stack.ErrRst)

	require.Zero(t, srv.Pending())
	require.Zero(t, st.LiveBufs)
	require.Equal(t, uint64(1), srv.EventCount(EventErrorCB))
}

func TestSecureEndDrainsPending(t *testing.T) {
	t.Parallel()

	st := simstack.New()
	srv, _, _ := listenSecure(t, st)

	rawPeer(t, st)
	queued := rawPeer(t, st)
	require.Equal(t, stack.ErrOK, queued.Send([]byte("hello")))
	st.Run()
	require.Equal(t, 1, srv.Pending())

	srv.End()
	st.Run()

	require.False(t, srv.Secure())
	require.Equal(t, stack.Closed, srv.Status())
	require.Zero(t, srv.Pending())
	require.Zero(t, st.LiveBufs)
	require.Equal(t, stack.CloseWait, queued.State())
	noViolations(t, st)
}
