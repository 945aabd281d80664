package entrypoint

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mocks_tcp "dominicbreuker/asynctcp/mocks/tcp"
	"dominicbreuker/asynctcp/pkg/config"
)

const wait = 3 * time.Second

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sharedConfig(network *mocks_tcp.Network, port int, stdin io.Reader, stdout io.Writer) *config.Shared {
	return &config.Shared{
		Protocol: config.ProtoTCP,
		Host:     "127.0.0.1",
		Port:     port,
		Deps: &config.Dependencies{
			TCPDialer:   network.Dial,
			TCPListener: network.Listen,
			Stdin:       func() io.Reader { return stdin },
			Stdout:      func() io.Writer { return stdout },
		},
	}
}

// runListen starts the echo server on cfg and waits until it accepts.
func runListen(t *testing.T, network *mocks_tcp.Network, cfg *config.Shared, lCfg *config.Listen) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(ctx, cfg, lCfg, nil)
	}()

	_, err := network.WaitForListener("127.0.0.1:"+strconv.Itoa(cfg.Port), wait)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("listen() error = %v, want nil", err)
			}
		case <-time.After(2 * wait):
			t.Error("listen() did not return after cancel")
		}
	})
}

// runConnect starts a held connect and returns a function that stops it
// and returns its result.
func runConnect(cfg *config.Shared) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- connect(ctx, cfg, &config.Connect{Hold: true}, nil)
	}()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * wait):
			return context.DeadlineExceeded
		}
	}
}

func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), want)
	}, wait, 10*time.Millisecond, "output %q never contained %q", out.String(), want)
}
