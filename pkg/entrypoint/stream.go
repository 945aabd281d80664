package entrypoint

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"dominicbreuker/asynctcp/pkg/asynctcp"
	"dominicbreuker/asynctcp/pkg/netstack"
	"dominicbreuker/asynctcp/pkg/stack"
)

// spaceRetry is how often a blocked Write looks for send space when no
// acknowledgment arrives, as during a secure handshake.
const spaceRetry = 50 * time.Millisecond

// stream is a blocking io.ReadWriteCloser over a client that lives on the
// loop. Received data stays unacknowledged until Read hands it out.
type stream struct {
	st *netstack.Stack
	c  *asynctcp.Client

	mu  sync.Mutex
	rx  [][]byte
	err error

	data      chan struct{}
	acked     chan struct{}
	connected chan struct{}
	gone      chan struct{}
	closed    chan struct{}

	connectOnce sync.Once
	goneOnce    sync.Once
	closeOnce   sync.Once
}

func newStream(st *netstack.Stack, c *asynctcp.Client) *stream {
	s := &stream{
		st:        st,
		c:         c,
		data:      make(chan struct{}, 1),
		acked:     make(chan struct{}, 1),
		connected: make(chan struct{}),
		gone:      make(chan struct{}),
		closed:    make(chan struct{}),
	}

	c.OnConnect(func(*asynctcp.Client) {
		s.connectOnce.Do(func() { close(s.connected) })
	})
	c.OnData(func(c *asynctcp.Client, data []byte) {
		c.AckLater()
		s.mu.Lock()
		s.rx = append(s.rx, append([]byte(nil), data...))
		s.mu.Unlock()
		signal(s.data)
	})
	c.OnAck(func(*asynctcp.Client, int, time.Duration) {
		signal(s.acked)
	})
	c.OnTimeout(func(c *asynctcp.Client, elapsed time.Duration) {
		s.fail(fmt.Errorf("no acknowledgment after %s", elapsed))
		c.Close(true)
	})
	c.OnError(func(_ *asynctcp.Client, err stack.Err) {
		s.fail(fmt.Errorf("connection error: %s", asynctcp.ErrorToString(err)))
	})
	c.OnDisconnect(func(*asynctcp.Client) {
		s.goneOnce.Do(func() { close(s.gone) })
	})

	return s
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// fail records the first error of the connection.
func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the error that ended the connection, if any.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// waitConnected blocks until the connection is usable.
func (s *stream) waitConnected(done <-chan struct{}) error {
	select {
	case <-s.connected:
		return nil
	case <-s.gone:
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("connection closed before it was established")
	case <-done:
		return fmt.Errorf("cancelled while connecting")
	}
}

// Read returns received data. It returns io.EOF once the connection is
// gone and everything received has been read.
func (s *stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.rx) > 0 {
			n := copy(p, s.rx[0])
			if n == len(s.rx[0]) {
				s.rx = s.rx[1:]
			} else {
				s.rx[0] = s.rx[0][n:]
			}
			s.mu.Unlock()
			s.st.Do(func() { s.c.Ack(n) })
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.data:
		case <-s.gone:
			s.mu.Lock()
			empty := len(s.rx) == 0
			s.mu.Unlock()
			if empty {
				return 0, io.EOF
			}
		case <-s.closed:
			return 0, net.ErrClosed
		}
	}
}

// Write blocks until all of p has been accepted by the client.
func (s *stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, ok := s.write(p)
		if !ok {
			return total, net.ErrClosed
		}
		total += n
		p = p[n:]
		if n > 0 {
			continue
		}

		select {
		case <-s.acked:
		case <-time.After(spaceRetry):
		case <-s.gone:
			return total, net.ErrClosed
		case <-s.closed:
			return total, net.ErrClosed
		}
	}
	return total, nil
}

// write hands p to the client on the loop. It reports false when the
// connection is gone.
func (s *stream) write(p []byte) (int, bool) {
	res := make(chan int, 1)
	s.st.Do(func() {
		if !s.c.Connected() {
			res <- -1
			return
		}
		res <- s.c.Write(p)
	})

	select {
	case n := <-res:
		return n, n >= 0
	case <-s.gone:
		return 0, false
	case <-s.closed:
		return 0, false
	}
}

// Close closes the connection gracefully. Queued data is still sent.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.st.Do(func() { s.c.Close(true) })
	})
	return nil
}
