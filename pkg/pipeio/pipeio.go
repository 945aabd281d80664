// Package pipeio connects byte streams: the process's standard streams and
// a connection.
package pipeio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/muesli/cancelreader"
)

// Pipe copies in both directions until one side ends or ctx is done, then
// closes both. Errors other than a clean shutdown go to logfunc.
func Pipe(ctx context.Context, rwc1, rwc2 io.ReadWriteCloser, logfunc func(error)) {
	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			rwc1.Close()
			rwc2.Close()
			close(done)
		})
	}

	copyHalf := func(dst, src io.ReadWriteCloser, name string) {
		if _, err := io.Copy(dst, src); err != nil && !closedErr(err) {
			logfunc(fmt.Errorf("io.Copy(%s): %w", name, err))
		}
		stop()
	}

	go copyHalf(rwc1, rwc2, "rwc1, rwc2")
	go copyHalf(rwc2, rwc1, "rwc2, rwc1")

	select {
	case <-done:
	case <-ctx.Done():
		stop()
	}
}

func closedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, cancelreader.ErrCanceled)
}
