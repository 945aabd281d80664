package pipeio

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestPipeCopiesBothWays(t *testing.T) {
	t.Parallel()

	a, aPeer := net.Pipe()
	b, bPeer := net.Pipe()
	defer aPeer.Close()
	defer bPeer.Close()

	var mu sync.Mutex
	var logged []error
	done := make(chan struct{})
	go func() {
		Pipe(context.Background(), a, b, func(err error) {
			mu.Lock()
			logged = append(logged, err)
			mu.Unlock()
		})
		close(done)
	}()

	tests := []struct {
		name     string
		from, to net.Conn
		msg      string
	}{
		{name: "a to b", from: aPeer, to: bPeer, msg: "hello"},
		{name: "b to a", from: bPeer, to: aPeer, msg: "world"},
	}
	for _, tc := range tests {
		go tc.from.Write([]byte(tc.msg))
		buf := make([]byte, len(tc.msg))
		tc.to.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := io.ReadFull(tc.to, buf); err != nil || string(buf) != tc.msg {
			t.Errorf("%s: ReadFull() = %q, %v, want %q", tc.name, buf, err, tc.msg)
		}
	}

	aPeer.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pipe() did not return after one side closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(logged) != 0 {
		t.Errorf("Pipe() logged %v, want nothing", logged)
	}
}

func TestPipeStopsOnContext(t *testing.T) {
	t.Parallel()

	a, aPeer := net.Pipe()
	b, bPeer := net.Pipe()
	defer aPeer.Close()
	defer bPeer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pipe(ctx, a, b, func(error) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pipe() did not return after cancel")
	}

	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("Write() on piped conn after cancel error = nil")
	}
}
