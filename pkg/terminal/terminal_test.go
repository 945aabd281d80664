package terminal

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	defer f.Close()

	tests := []struct {
		name string
		in   interface{ Read([]byte) (int, error) }
	}{
		{name: "buffer", in: strings.NewReader("x")},
		{name: "regular file", in: f},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if IsTerminal(tc.in) {
				t.Errorf("IsTerminal(%s) = true, want false", tc.name)
			}
		})
	}
}

func TestMakeRawNotATerminal(t *testing.T) {
	t.Parallel()

	restore, err := MakeRaw(strings.NewReader("x"))
	if err != nil {
		t.Fatalf("MakeRaw() error = %v", err)
	}
	restore()
}

func TestSizeNotATerminal(t *testing.T) {
	t.Parallel()

	if w, h := Size(&bytes.Buffer{}); w != 0 || h != 0 {
		t.Errorf("Size() = %d, %d, want 0, 0", w, h)
	}
}
