// Package terminal detects interactive input and switches it to raw mode.
package terminal

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// MakeRaw puts r into raw mode when it is a terminal. The returned function
// restores the previous mode and is safe to call when nothing was changed.
func MakeRaw(r io.Reader) (restore func(), err error) {
	if !IsTerminal(r) {
		return func() {}, nil
	}

	fd := int(r.(*os.File).Fd())
	old, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, fmt.Errorf("term.MakeRaw(%d): %w", fd, err)
	}
	return func() {
		term.Restore(fd, old)
		fmt.Fprint(os.Stderr, "\033[2K\r")
	}, nil
}

// Size returns the terminal's width and height, or 0, 0 when w is not one.
func Size(w io.Writer) (width, height int) {
	f, ok := w.(*os.File)
	if !ok {
		return 0, 0
	}
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, 0
	}
	return width, height
}
