package asynctcp

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"dominicbreuker/asynctcp/pkg/crypto"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/secure"
	"dominicbreuker/asynctcp/pkg/stack"

	"github.com/flynn/noise"
)

// ErrNotListening is returned by BeginSecure when the listening handle could
// not be set up.
var ErrNotListening = errors.New("server is not listening")

// FileRequestHandler loads key material by name.
type FileRequestHandler func(name string) ([]byte, error)

// Server accepts inbound connections and hands them out as Clients.
type Server struct {
	st      stack.Stack
	addr    netip.Addr
	port    uint16
	pcb     stack.PCB
	noDelay bool
	logger  *log.Logger

	clientCb ConnectHandler
	fileCb   FileRequestHandler

	sctx       *secure.ServerContext
	pending    *pendingConn
	maxPending int

	events [eventMax]uint64
}

// ServerOption configures a Server.
type ServerOption func(s *Server)

// WithServerLogger sets the logger for the server and its clients.
func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMaxPending bounds the queue of connections waiting for the secure
// handshake slot. Further connections are refused. Zero means no bound.
func WithMaxPending(n int) ServerOption {
	return func(s *Server) { s.maxPending = n }
}

// NewServer returns a server for addr:port. Use an invalid netip.Addr to
// listen on all addresses.
func NewServer(st stack.Stack, addr netip.Addr, port uint16, opts ...ServerOption) *Server {
	s := &Server{st: st, addr: addr, port: port}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts listening. It does nothing if the server already listens;
// when binding fails the server stays inactive.
func (s *Server) Begin() {
	if s.pcb != nil {
		return
	}

	pcb := s.st.NewPCB()
	if pcb == nil {
		s.logger.DebugMsg("begin: could not allocate pcb")
		return
	}
	pcb.SetPrio(prioNormal)

	if err := pcb.Bind(s.addr, s.port); err != stack.ErrOK {
		s.logger.DebugMsg("begin: bind %s:%d: %s", s.addr, s.port, err)
		pcb.Close()
		return
	}

	lpcb := pcb.Listen()
	if lpcb == nil {
		s.logger.DebugMsg("begin: listen failed")
		pcb.Close()
		return
	}

	s.pcb = lpcb
	lpcb.OnAccept(s.accept)
}

// BeginSecure loads the server's key material, installs the shared secure
// context and starts listening. cert names the public key file, key the
// private key file. Files are read through the file request handler when
// one is set.
func (s *Server) BeginSecure(cert, key, passphrase string) error {
	if s.sctx != nil {
		return nil
	}

	keyPEM, err := s.loadFile(key)
	if err != nil {
		return fmt.Errorf("loadFile(%s): %w", key, err)
	}
	kp, err := crypto.ParsePrivateKeyPEM(keyPEM, passphrase)
	if err != nil {
		return fmt.Errorf("crypto.ParsePrivateKeyPEM(%s): %w", key, err)
	}

	certPEM, err := s.loadFile(cert)
	if err != nil {
		return fmt.Errorf("loadFile(%s): %w", cert, err)
	}
	pub, err := crypto.ParsePublicKeyPEM(certPEM)
	if err != nil {
		return fmt.Errorf("crypto.ParsePublicKeyPEM(%s): %w", cert, err)
	}
	if err := kp.Matches(pub); err != nil {
		return fmt.Errorf("%s and %s: %w", cert, key, err)
	}

	s.BeginWithKey(noise.DHKey{Private: kp.Private, Public: kp.Public})
	if s.pcb == nil {
		return ErrNotListening
	}
	return nil
}

// BeginWithKey is BeginSecure for a key that is already in memory.
func (s *Server) BeginWithKey(static noise.DHKey) {
	if s.sctx == nil {
		s.sctx = secure.NewServerContext(static, nil)
	}
	s.Begin()
}

func (s *Server) loadFile(name string) ([]byte, error) {
	if s.fileCb != nil {
		return s.fileCb(name)
	}
	return os.ReadFile(name)
}

// End stops listening. Connections waiting for the handshake slot are
// dropped along with their buffered data.
func (s *Server) End() {
	if s.pcb != nil {
		s.pcb.OnAccept(nil)
		if s.pcb.Close() != stack.ErrOK {
			s.pcb.Abort()
		}
		s.pcb = nil
	}

	if s.sctx != nil {
		s.sctx = nil
		for s.pending != nil {
			p := s.pending
			s.pending = p.next
			pendingConnections.Dec()
			if p.pb != nil {
				s.st.FreeBuf(p.pb)
			}
			closeOrAbort(p.pcb)
		}
	}
}

// accept handles an inbound handle from the listening pcb.
func (s *Server) accept(pcb stack.PCB, err stack.Err) stack.Err {
	if pcb == nil || err != stack.ErrOK {
		s.countEvent(EventAcceptCB)
		return stack.ErrOK
	}

	if s.clientCb == nil {
		return closeOrAbort(pcb)
	}

	pcb.SetNoDelay(s.noDelay || s.sctx != nil)

	if s.sctx != nil {
		if s.sctx.HasActive() || s.pending != nil {
			return s.enqueue(pcb)
		}
		if s.newSecureClient(pcb) == nil {
			s.logger.DebugMsg("accept: secure client setup failed, closing")
			return closeOrAbort(pcb)
		}
		return stack.ErrOK
	}

	c := newAcceptedClient(s.st, pcb, nil, s.logger)
	tr := c.tracker
	tr.OnErrorEvent(s.countEvent)
	s.logger.DebugMsg("accept: connected id=%d", c.id)

	s.clientCb(c)
	return tr.CallbackReturn()
}

// newSecureClient builds a client that runs the responder handshake. The
// server's client callback fires once the handshake completes.
func (s *Server) newSecureClient(pcb stack.PCB) *Client {
	session, err := s.sctx.NewSession()
	if err != nil {
		s.logger.DebugMsg("accept: %s", err)
		return nil
	}
	c := newAcceptedClient(s.st, pcb, session, s.logger)
	c.tracker.OnErrorEvent(s.countEvent)
	c.OnConnect(func(c *Client) {
		if s.clientCb != nil {
			s.clientCb(c)
		}
	})
	s.logger.DebugMsg("accept: secure id=%d", c.id)
	return c
}

// closeOrAbort disposes of a handle the server does not keep.
func closeOrAbort(pcb stack.PCB) stack.Err {
	stack.ClearCallbacks(pcb)
	if pcb.Close() != stack.ErrOK {
		pcb.Abort()
		return stack.ErrAbrt
	}
	return stack.ErrOK
}

func (s *Server) countEvent(e ErrorEvent) {
	if e < eventMax {
		s.events[e]++
	}
}

// EventCount returns how often an error classification was observed on
// this server's connections.
func (s *Server) EventCount(e ErrorEvent) uint64 {
	if e >= eventMax {
		return 0
	}
	return s.events[e]
}

// OnClient sets the callback receiving new connections.
func (s *Server) OnClient(cb ConnectHandler) { s.clientCb = cb }

// OnFileRequest sets the loader BeginSecure uses for key files.
func (s *Server) OnFileRequest(cb FileRequestHandler) { s.fileCb = cb }

// SetNoDelay disables Nagle on accepted connections. Secure servers always
// disable it.
func (s *Server) SetNoDelay(on bool) { s.noDelay = on }
func (s *Server) NoDelay() bool      { return s.noDelay }

// Status returns the listening handle's phase.
func (s *Server) Status() stack.State {
	if s.pcb == nil {
		return stack.Closed
	}
	return s.pcb.State()
}

// Secure reports whether a secure context is installed.
func (s *Server) Secure() bool { return s.sctx != nil }

// PublicKey returns the secure context's static public key.
func (s *Server) PublicKey() []byte {
	if s.sctx == nil {
		return nil
	}
	return s.sctx.PublicKey()
}
