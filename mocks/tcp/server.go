package tcp

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"dominicbreuker/asynctcp/pkg/config"
)

// Server answers every line with prefix+line. Connections stay open until
// the peer closes them or Close is called.
type Server struct {
	listener net.Listener
	prefix   string

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer listens through listen, which may be a Network's Listen or the
// real net.Listen.
func NewServer(listen config.TCPListenerFunc, addr, prefix string) (*Server, error) {
	if listen == nil {
		return nil, errors.New("listen func is nil")
	}

	ln, err := listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: ln,
		prefix:   prefix,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes open connections and waits for their
// goroutines.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		if _, err := c.Write([]byte(s.prefix + scanner.Text() + "\n")); err != nil {
			return
		}
	}
}
