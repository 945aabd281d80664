// Package secure implements a non-blocking Noise XX secure channel for
// connections driven by a callback stack. A Session never touches the
// network: it consumes received bytes and hands back frames to send.
package secure

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

const (
	headerLen = 2
	tagLen    = 16

	// Overhead is the number of bytes a sealed record adds to its plaintext.
	Overhead = headerLen + tagLen

	maxFrame = 65535
	// MaxPlaintext is the largest plaintext that fits one record.
	MaxPlaintext = maxFrame - tagLen
)

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Code identifies the kind of session failure. Codes are small negative
// numbers so they can be shifted into the error callback's secure band.
type Code int8

const (
	CodeFrame        Code = -1
	CodeHandshake    Code = -2
	CodeDecrypt      Code = -3
	CodePeerRejected Code = -4
	CodeSeal         Code = -5
)

// Error is a session failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("secure session (code %d): %s", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrSlotBusy         = errors.New("secure: handshake slot busy")
	ErrNotEstablished   = errors.New("secure: handshake not complete")
	ErrSessionClosed    = errors.New("secure: session closed")
	ErrRecordTooLarge   = errors.New("secure: record too large")
	ErrPeerKeyMismatch  = errors.New("secure: peer static key does not match pinned key")
	errUnexpectedRecord = errors.New("secure: unexpected handshake message")
)

// GenerateKey creates a static Curve25519 key pair from r, or from
// crypto/rand when r is nil.
func GenerateKey(r io.Reader) (noise.DHKey, error) {
	if r == nil {
		r = rand.Reader
	}
	return noise.DH25519.GenerateKeypair(r)
}

// Result is the outcome of feeding received bytes into a Session.
type Result struct {
	// Out holds frames that must be sent to the peer, in order.
	Out [][]byte
	// Plain holds decrypted application records, in order.
	Plain [][]byte
	// Completed is set when the handshake finished during this call.
	Completed bool
}

// Session is one side of a Noise XX channel.
type Session struct {
	hs        *noise.HandshakeState
	initiator bool
	send      *noise.CipherState
	recv      *noise.CipherState
	in        []byte
	done      bool
	closed    bool
	pin       []byte
	peer      []byte
	release   func()
}

func newSession(initiator bool, static noise.DHKey, random io.Reader) (*Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        random,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("noise.NewHandshakeState(): %w", err)
	}
	return &Session{hs: hs, initiator: initiator}, nil
}

// ClientConfig configures the initiating side.
type ClientConfig struct {
	// StaticKey identifies the client. A zero key is replaced by a fresh one.
	StaticKey noise.DHKey
	// PeerKey, when set, must equal the server's static public key.
	PeerKey []byte
	// Random defaults to crypto/rand.
	Random io.Reader
}

// NewClientSession returns an initiator session.
func NewClientSession(cfg ClientConfig) (*Session, error) {
	static := cfg.StaticKey
	if len(static.Private) == 0 {
		k, err := GenerateKey(cfg.Random)
		if err != nil {
			return nil, fmt.Errorf("GenerateKey(): %w", err)
		}
		static = k
	}
	s, err := newSession(true, static, cfg.Random)
	if err != nil {
		return nil, err
	}
	s.pin = cfg.PeerKey
	return s, nil
}

// Start returns the frame that opens the handshake. Responders have nothing
// to send first and get nil.
func (s *Session) Start() ([]byte, error) {
	if !s.initiator {
		return nil, nil
	}
	msg, _, _, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, &Error{Code: CodeHandshake, Err: err}
	}
	return frame(msg), nil
}

// Read consumes bytes received from the peer. Partial frames are kept until
// the rest arrives.
func (s *Session) Read(data []byte) (Result, error) {
	var res Result
	if s.closed {
		return res, &Error{Code: CodeFrame, Err: ErrSessionClosed}
	}
	s.in = append(s.in, data...)

	for len(s.in) >= headerLen {
		n := int(binary.BigEndian.Uint16(s.in))
		if len(s.in) < headerLen+n {
			break
		}
		msg := s.in[headerLen : headerLen+n]
		s.in = s.in[headerLen+n:]

		if s.done {
			pt, err := s.recv.Decrypt(nil, nil, msg)
			if err != nil {
				return res, &Error{Code: CodeDecrypt, Err: err}
			}
			res.Plain = append(res.Plain, pt)
			continue
		}

		out, err := s.handshake(msg)
		if err != nil {
			return res, err
		}
		if out != nil {
			res.Out = append(res.Out, out)
		}
		if s.done {
			res.Completed = true
		}
	}
	if len(s.in) == 0 {
		s.in = nil
	}
	return res, nil
}

func (s *Session) handshake(msg []byte) ([]byte, error) {
	_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, &Error{Code: CodeHandshake, Err: err}
	}
	if cs1 != nil {
		if s.initiator {
			return nil, &Error{Code: CodeHandshake, Err: errUnexpectedRecord}
		}
		return nil, s.establish(cs1, cs2)
	}

	out, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, &Error{Code: CodeHandshake, Err: err}
	}
	if cs1 != nil {
		if err := s.establish(cs1, cs2); err != nil {
			return nil, err
		}
	}
	return frame(out), nil
}

// establish installs the transport ciphers. cs1 always protects the
// initiator to responder direction.
func (s *Session) establish(cs1, cs2 *noise.CipherState) error {
	if s.initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.peer = append([]byte(nil), s.hs.PeerStatic()...)
	if s.pin != nil && !bytes.Equal(s.pin, s.peer) {
		return &Error{Code: CodePeerRejected, Err: ErrPeerKeyMismatch}
	}
	s.done = true
	s.free()
	return nil
}

// Seal encrypts pt into one framed record.
func (s *Session) Seal(pt []byte) ([]byte, error) {
	switch {
	case s.closed:
		return nil, &Error{Code: CodeSeal, Err: ErrSessionClosed}
	case !s.done:
		return nil, &Error{Code: CodeSeal, Err: ErrNotEstablished}
	case len(pt) > MaxPlaintext:
		return nil, &Error{Code: CodeSeal, Err: ErrRecordTooLarge}
	}
	ct, err := s.send.Encrypt(nil, nil, pt)
	if err != nil {
		return nil, &Error{Code: CodeSeal, Err: err}
	}
	return frame(ct), nil
}

// HandshakeComplete reports whether transport records can flow.
func (s *Session) HandshakeComplete() bool { return s.done }

// Initiator reports which side of the handshake this session plays.
func (s *Session) Initiator() bool { return s.initiator }

// PeerKey returns the peer's authenticated static public key, or nil before
// the handshake has completed.
func (s *Session) PeerKey() []byte {
	if !s.done {
		return nil
	}
	return s.peer
}

// Close discards the session and frees its handshake slot if it holds one.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.in = nil
	s.free()
}

func (s *Session) free() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func frame(msg []byte) []byte {
	out := make([]byte, headerLen+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[headerLen:], msg)
	return out
}
