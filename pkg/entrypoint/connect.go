package entrypoint

import (
	"context"
	"fmt"
	"io"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/format"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/pipeio"
	"dominicbreuker/asynctcp/pkg/terminal"
)

// Connect connects to the configured host and pipes the connection to
// stdin and stdout until either side ends or ctx is done.
func Connect(ctx context.Context, cfg *config.Shared, cCfg *config.Connect) error {
	logger := log.NewLogger(cfg.Verbose)
	return connect(ctx, cfg, cCfg, logger)
}

func connect(ctx context.Context, cfg *config.Shared, cCfg *config.Connect, logger *log.Logger) error {
	opts := []asynctcp.Option{asynctcp.WithLogger(logger)}
	if cfg.Secure {
		keyOpts, err := clientKeys(cfg)
		if err != nil {
			return err
		}
		opts = append(opts, keyOpts...)
	}

	l, err := startLoop(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	c := asynctcp.NewClient(l.st, opts...)
	if cfg.AckTimeout > 0 {
		c.SetAckTimeout(cfg.AckTimeout)
	}
	if cfg.RxTimeout > 0 {
		c.SetRxTimeout(cfg.RxTimeout)
	}
	s := newStream(l.st, c)

	addr := format.Addr(cfg.Host, cfg.Port)
	started, err := onLoop(l, func() bool {
		return c.ConnectHost(cfg.Host, uint16(cfg.Port), cfg.Secure)
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if !started {
		return fmt.Errorf("connecting to %s: could not start", addr)
	}
	if err := s.waitConnected(ctx.Done()); err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	logger.InfoMsg("Connected to %s\n", addr)

	stdin := config.GetStdinFunc(cfg.Deps)()
	stdout := config.GetStdoutFunc(cfg.Deps)()

	if cCfg.Raw && terminal.IsTerminal(stdin) {
		restore, err := terminal.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("terminal.MakeRaw(): %w", err)
		}
		defer restore()
	}

	var local io.ReadWriteCloser = pipeio.NewStdio(stdin, stdout)
	if cCfg.Hold {
		local = pipeio.Hold(local)
	}

	pipeio.Pipe(ctx, local, s, func(err error) {
		logger.ErrorMsg("%s\n", err)
	})
	if err := l.call(func() { c.Close(true) }); err != nil {
		return fmt.Errorf("closing connection to %s: %w", addr, err)
	}
	if err := l.drain(); err != nil {
		return fmt.Errorf("closing connection to %s: %w", addr, err)
	}

	if err := s.Err(); err != nil {
		return fmt.Errorf("connection to %s: %w", addr, err)
	}
	logger.VerboseMsg("Connection to %s closed\n", addr)
	return nil
}
