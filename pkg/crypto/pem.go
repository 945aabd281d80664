package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	privateKeyType = "ASYNCTCP PRIVATE KEY"
	publicKeyType  = "ASYNCTCP PUBLIC KEY"

	saltSize = 16
)

var (
	ErrNoPEMBlock      = errors.New("no PEM block found")
	ErrPassphrase      = errors.New("wrong passphrase or corrupted key")
	ErrPassphraseUnset = errors.New("key is encrypted but no passphrase was given")
)

// EncodePrivateKeyPEM encodes k's private key. A non-empty passphrase
// encrypts it with a key stretched by argon2id.
func EncodePrivateKeyPEM(k KeyPair, passphrase string) ([]byte, error) {
	block := &pem.Block{Type: privateKeyType, Bytes: k.Private}
	if passphrase != "" {
		salt := make([]byte, saltSize)
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("rand.Read(salt): %w", err)
		}
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("rand.Read(nonce): %w", err)
		}
		aead, err := chacha20poly1305.New(stretch(passphrase, salt))
		if err != nil {
			return nil, fmt.Errorf("chacha20poly1305.New(): %w", err)
		}
		block.Headers = map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		}
		block.Bytes = aead.Seal(nil, nonce, k.Private, []byte(privateKeyType))
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKeyPEM decodes a private key written by EncodePrivateKeyPEM.
func ParsePrivateKeyPEM(data []byte, passphrase string) (KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return KeyPair{}, ErrNoPEMBlock
	}
	if block.Type != privateKeyType {
		return KeyPair{}, fmt.Errorf("unexpected PEM type %q", block.Type)
	}

	priv := block.Bytes
	if salt, ok := block.Headers["Salt"]; ok {
		if passphrase == "" {
			return KeyPair{}, ErrPassphraseUnset
		}
		var err error
		priv, err = decrypt(block.Bytes, salt, block.Headers["Nonce"], passphrase)
		if err != nil {
			return KeyPair{}, err
		}
	}
	if len(priv) != KeySize {
		return KeyPair{}, fmt.Errorf("private key has %d bytes, want %d", len(priv), KeySize)
	}
	return KeyPairFromPrivate(priv)
}

func decrypt(ct []byte, saltHex, nonceHex, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("hex.DecodeString(salt): %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("bad nonce header %q", nonceHex)
	}
	aead, err := chacha20poly1305.New(stretch(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New(): %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(privateKeyType))
	if err != nil {
		return nil, ErrPassphrase
	}
	return pt, nil
}

func stretch(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// EncodePublicKeyPEM encodes a public key. This file plays the role of the
// server certificate: clients can pin it.
func EncodePublicKeyPEM(pub []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: pub})
}

// ParsePublicKeyPEM decodes a public key written by EncodePublicKeyPEM.
func ParsePublicKeyPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if block.Type != publicKeyType {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(block.Bytes), KeySize)
	}
	return block.Bytes, nil
}
