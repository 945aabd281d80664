package secure

import (
	"io"

	"github.com/flynn/noise"
)

// ServerContext is the responder configuration shared by every connection
// of one listener. It owns a single handshake slot: at most one responder
// session can be negotiating at any time.
type ServerContext struct {
	static noise.DHKey
	random io.Reader
	active *Session
}

// NewServerContext returns a context answering handshakes with static.
func NewServerContext(static noise.DHKey, random io.Reader) *ServerContext {
	return &ServerContext{static: static, random: random}
}

// HasActive reports whether the handshake slot is taken.
func (sc *ServerContext) HasActive() bool {
	return sc.active != nil
}

// NewSession takes the handshake slot and returns a responder session. The
// slot is freed when the session completes its handshake or is closed.
func (sc *ServerContext) NewSession() (*Session, error) {
	if sc.active != nil {
		return nil, ErrSlotBusy
	}
	s, err := newSession(false, sc.static, sc.random)
	if err != nil {
		return nil, err
	}
	sc.active = s
	s.release = func() {
		if sc.active == s {
			sc.active = nil
		}
	}
	return s, nil
}

// PublicKey returns the static public key clients can pin.
func (sc *ServerContext) PublicKey() []byte {
	return sc.static.Public
}
