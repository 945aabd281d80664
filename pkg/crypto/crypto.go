// Package crypto manages the static Curve25519 keys used by secure
// connections: generation (optionally from a seed) and PEM files, with the
// private key optionally protected by a passphrase.
package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of private and public keys.
const KeySize = curve25519.ScalarSize

var ErrKeyMismatch = errors.New("public key does not belong to private key")

// KeyPair is a static Curve25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a key pair. An empty seed means a random key;
// otherwise the key is derived deterministically from the seed.
func GenerateKeyPair(seed string) (KeyPair, error) {
	return generateKeyPair(getRandReader(seed))
}

func generateKeyPair(r io.Reader) (KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return KeyPair{}, fmt.Errorf("io.ReadFull(): %w", err)
	}
	return KeyPairFromPrivate(priv)
}

// KeyPairFromPrivate derives the public half of priv.
func KeyPairFromPrivate(priv []byte) (KeyPair, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("curve25519.X25519(): %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// Matches checks that pub is the public half of k.
func (k KeyPair) Matches(pub []byte) error {
	if !bytes.Equal(k.Public, pub) {
		return ErrKeyMismatch
	}
	return nil
}
