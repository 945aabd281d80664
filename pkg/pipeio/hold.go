package pipeio

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Hold wraps rwc so that reaching the end of its input does not end a Pipe.
// Read blocks after io.EOF until Close is called.
func Hold(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	return &held{ReadWriteCloser: rwc, closed: make(chan struct{})}
}

type held struct {
	io.ReadWriteCloser
	closed chan struct{}
	once   sync.Once
}

func (h *held) Read(p []byte) (int, error) {
	n, err := h.ReadWriteCloser.Read(p)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		<-h.closed
		return 0, net.ErrClosed
	}
	return n, err
}

func (h *held) Close() error {
	h.once.Do(func() { close(h.closed) })
	return h.ReadWriteCloser.Close()
}
