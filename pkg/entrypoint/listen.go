package entrypoint

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/flynn/noise"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/crypto"
	"dominicbreuker/asynctcp/pkg/format"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/stack"
)

// Listen runs an echo server until ctx ends. Open connections are closed
// gracefully before it returns.
func Listen(ctx context.Context, cfg *config.Shared, lCfg *config.Listen) error {
	logger := log.NewLogger(cfg.Verbose)
	return listen(ctx, cfg, lCfg, logger)
}

func listen(ctx context.Context, cfg *config.Shared, lCfg *config.Listen, logger *log.Logger) error {
	addr, err := listenAddr(cfg.Host)
	if err != nil {
		return err
	}
	if cfg.PeerKeyFile != "" {
		return fmt.Errorf("'--peer-key' is only supported when connecting")
	}

	if lCfg.Metrics != "" {
		stopMetrics, err := serveMetrics(lCfg.Metrics, cfg.Deps, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	l, err := startLoop(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	srv := asynctcp.NewServer(l.st, addr, uint16(cfg.Port),
		asynctcp.WithServerLogger(logger),
		asynctcp.WithMaxPending(lCfg.MaxPending),
	)
	e := newEcho(logger, cfg.AckTimeout, cfg.RxTimeout)
	srv.OnClient(e.add)

	beginErr, err := onLoop(l, func() error { return begin(srv, cfg, logger) })
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if beginErr != nil {
		return beginErr
	}
	logger.InfoMsg("Listening on %s (%s)\n", format.Addr(cfg.Host, cfg.Port), cfg.Protocol)

	<-ctx.Done()

	logger.VerboseMsg("Shutting down\n")
	if err := l.call(func() {
		srv.End()
		e.closeAll()
	}); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	if err := l.drain(); err != nil {
		return fmt.Errorf("closing connections: %w", err)
	}
	return nil
}

// begin starts srv in the mode cfg asks for. Secure mode without key files
// uses a fresh key whose public half is logged for clients to pin.
func begin(srv *asynctcp.Server, cfg *config.Shared, logger *log.Logger) error {
	switch {
	case !cfg.Secure:
		srv.Begin()
	case cfg.KeyFile != "":
		if err := srv.BeginSecure(cfg.CertFile, cfg.KeyFile, cfg.Passphrase); err != nil {
			return fmt.Errorf("BeginSecure(): %w", err)
		}
	default:
		kp, err := crypto.GenerateKeyPair("")
		if err != nil {
			return fmt.Errorf("crypto.GenerateKeyPair(): %w", err)
		}
		srv.BeginWithKey(noise.DHKey{Private: kp.Private, Public: kp.Public})
		logger.InfoMsg("Using ephemeral key, public key %s\n", hex.EncodeToString(srv.PublicKey()))
	}

	if srv.Status() != stack.Listen {
		return fmt.Errorf("listening on %s: %w", format.Addr(cfg.Host, cfg.Port), asynctcp.ErrNotListening)
	}
	return nil
}

// serveMetrics exposes the prometheus registry on addr.
func serveMetrics(addr string, deps *config.Dependencies, logger *log.Logger) (func(), error) {
	ln, err := config.GetTCPListenerFunc(deps)("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorMsg("metrics: %s\n", err)
		}
	}()
	logger.VerboseMsg("Serving metrics on http://%s/metrics\n", ln.Addr())

	return func() { srv.Close() }, nil
}
