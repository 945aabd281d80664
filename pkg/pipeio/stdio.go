package pipeio

import (
	"io"
	"os"

	"github.com/muesli/cancelreader"
)

// Stdio joins an input and an output stream into one ReadWriteCloser.
// Close interrupts a pending Read where the platform allows it.
type Stdio struct {
	stdin  io.Reader
	cancel cancelreader.CancelReader
	stdout io.Writer
}

// NewStdio uses os.Stdin and os.Stdout for nil arguments.
func NewStdio(stdin io.Reader, stdout io.Writer) *Stdio {
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	s := &Stdio{stdin: stdin, stdout: stdout}
	if cr, err := cancelreader.NewReader(stdin); err == nil {
		s.cancel = cr
	}
	return s
}

func (s *Stdio) Read(p []byte) (int, error) {
	if s.cancel != nil {
		return s.cancel.Read(p)
	}
	return s.stdin.Read(p)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.stdout.Write(p)
}

// Close cancels a pending Read. stdout stays open.
func (s *Stdio) Close() error {
	if s.cancel != nil {
		s.cancel.Cancel()
	}
	return nil
}
