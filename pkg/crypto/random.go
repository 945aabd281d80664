package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
)

// GenerateRandomString returns a random URL safe string of length characters.
func GenerateRandomString(length int) (string, error) {
	return generateRandomString(length, rand.Reader)
}

func generateRandomString(length int, r io.Reader) (string, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("io.ReadFull(%d): %w", length, err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}

// getRandReader returns a deterministic reader for a non-empty seed, so the
// same seed always yields the same keys, and crypto/rand otherwise.
func getRandReader(seed string) io.Reader {
	if seed == "" {
		return rand.Reader
	}
	return &dRand{next: []byte(seed)}
}

// dRand is a sha512 hash chain: half of each digest feeds the next round,
// the other half is output.
type dRand struct {
	next []byte
}

func (d *dRand) cycle() []byte {
	result := sha512.Sum512(d.next)
	d.next = result[:sha512.Size/2]
	return result[sha512.Size/2:]
}

func (d *dRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		out := d.cycle()
		n += copy(b[n:], out)
	}
	return n, nil
}
