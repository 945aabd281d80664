package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

// capturedConn wraps a net.Conn and appends a hex dump of every chunk read
// or written to a capture writer.
type capturedConn struct {
	net.Conn

	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

func (cc *capturedConn) Read(b []byte) (int, error) {
	n, err := cc.Conn.Read(b)
	if n > 0 {
		if werr := cc.dump("<", b[:n]); werr != nil {
			return n, fmt.Errorf("capture read: %w", werr)
		}
	}
	return n, err
}

func (cc *capturedConn) Write(b []byte) (int, error) {
	n, err := cc.Conn.Write(b)
	if n > 0 {
		if werr := cc.dump(">", b[:n]); werr != nil {
			return n, fmt.Errorf("capture write: %w", werr)
		}
	}
	return n, err
}

func (cc *capturedConn) dump(dir string, b []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if _, err := fmt.Fprintf(cc.w, "%s %s -> %s (%d bytes)\n", dir, cc.Conn.LocalAddr(), cc.Conn.RemoteAddr(), len(b)); err != nil {
		return err
	}
	_, err := io.WriteString(cc.w, hex.Dump(b))
	return err
}

func (cc *capturedConn) Close() error {
	err := cc.Conn.Close()
	if cc.c != nil {
		cc.c.Close()
	}
	return err
}

// NewCapturedConn wraps conn so that all traffic is hex dumped to w.
func NewCapturedConn(conn net.Conn, w io.Writer) net.Conn {
	return &capturedConn{Conn: conn, w: w}
}

// NewLoggedConn wraps a network connection to dump all data read from and
// written to it. The capture file is created or appended to at the specified
// path and closed together with the connection.
func NewLoggedConn(conn net.Conn, logFilePath string) (net.Conn, error) {
	logFile, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", logFilePath, err)
	}

	return &capturedConn{Conn: conn, w: logFile, c: logFile}, nil
}
