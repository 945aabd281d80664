package shared

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"
)

// shutdownGrace is how long graceful shutdown may take before the process
// exits anyway.
const shutdownGrace = 5 * time.Second

// SetupSignalHandling calls cancel on the first interrupt. A second signal,
// or the grace period running out, ends the process.
func SetupSignalHandling(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)

	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		// a peer resetting a connection must not kill the process
		signal.Ignore(syscall.SIGPIPE)
	}

	signal.Notify(sigCh, sigs...)

	go func() {
		s := <-sigCh
		cancel()

		select {
		case <-sigCh:
			if ss, ok := s.(syscall.Signal); ok {
				os.Exit(128 + int(ss))
			}
			os.Exit(1)
		case <-time.After(shutdownGrace):
			os.Exit(0)
		}
	}()
}
