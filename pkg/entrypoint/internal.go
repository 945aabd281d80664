package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/flynn/noise"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/crypto"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/netstack"
	"dominicbreuker/asynctcp/pkg/transport"
)

// closeWait bounds how long shutdown waits for the loop to process the
// final close.
const (
	closeWait = 2 * time.Second
	drainPoll = 20 * time.Millisecond
)

// loop is a running network stack together with the transport below it.
type loop struct {
	st   *netstack.Stack
	tr   *transport.Transport
	stop context.CancelFunc
	done chan error
	wait time.Duration
}

// startLoop builds a stack for cfg and runs it. The loop is independent of
// ctx so callers can close connections gracefully before stopping it.
func startLoop(ctx context.Context, cfg *config.Shared, logger *log.Logger) (*loop, error) {
	tr, err := transport.New(ctx, cfg.Protocol, cfg.Deps, logger)
	if err != nil {
		return nil, fmt.Errorf("transport.New(%s): %w", cfg.Protocol, err)
	}

	opts := []netstack.Option{
		netstack.WithTransport(tr),
		netstack.WithLogger(logger),
	}
	if cfg.MaxConns > 0 {
		opts = append(opts, netstack.WithMaxPCBs(cfg.MaxConns))
	}
	if cfg.CaptureFile != "" {
		opts = append(opts, netstack.WithCapture(cfg.CaptureFile))
	}

	runCtx, stop := context.WithCancel(context.Background())
	l := &loop{
		st:   netstack.New(opts...),
		tr:   tr,
		stop: stop,
		done: make(chan error, 1),
		wait: closeWait,
	}
	go func() {
		l.done <- l.st.Run(runCtx)
	}()
	return l, nil
}

// errLoopStuck is returned when the loop does not run a closure in time.
var errLoopStuck = errors.New("event loop did not respond")

// onLoop runs fn on the loop and returns its result. The result travels
// over a buffered channel, so a closure that runs after the timeout never
// touches the caller's state.
func onLoop[T any](l *loop, fn func() T) (T, error) {
	res := make(chan T, 1)
	l.st.Do(func() { res <- fn() })

	select {
	case v := <-res:
		return v, nil
	case <-time.After(l.wait):
		var zero T
		return zero, fmt.Errorf("after %s: %w", l.wait, errLoopStuck)
	}
}

// call runs fn on the loop and waits for it.
func (l *loop) call(fn func()) error {
	_, err := onLoop(l, func() struct{} {
		fn()
		return struct{}{}
	})
	return err
}

// drain waits up to closeWait for every handle to be released, so graceful
// closes can flush before the loop stops.
func (l *loop) drain() error {
	deadline := time.Now().Add(closeWait)
	for time.Now().Before(deadline) {
		live, err := onLoop(l, l.st.Live)
		if err != nil {
			return err
		}
		if live == 0 {
			return nil
		}
		time.Sleep(drainPoll)
	}
	return nil
}

// Close stops the loop, which tears down whatever is still open.
func (l *loop) Close() error {
	l.stop()
	<-l.done
	return l.tr.Close()
}

// listenAddr parses the bind host. An empty host binds all addresses.
func listenAddr(host string) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listen host must be an IP address: %w", err)
	}
	return addr.Unmap(), nil
}

// clientKeys returns the client options for the secure key files in cfg.
func clientKeys(cfg *config.Shared) ([]asynctcp.Option, error) {
	var opts []asynctcp.Option

	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		kp, err := crypto.ParsePrivateKeyPEM(data, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("crypto.ParsePrivateKeyPEM(%s): %w", cfg.KeyFile, err)
		}
		opts = append(opts, asynctcp.WithStaticKey(noise.DHKey{Private: kp.Private, Public: kp.Public}))
	}

	if cfg.PeerKeyFile != "" {
		data, err := os.ReadFile(cfg.PeerKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading peer key: %w", err)
		}
		pub, err := crypto.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("crypto.ParsePublicKeyPEM(%s): %w", cfg.PeerKeyFile, err)
		}
		opts = append(opts, asynctcp.WithPeerKey(pub))
	}

	return opts, nil
}
