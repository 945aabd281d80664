package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"dominicbreuker/asynctcp/pkg/config"
)

// Client is a line oriented peer for Server or for anything else that
// speaks newline terminated text.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
}

// NewClient dials addr with dial.
func NewClient(ctx context.Context, dial config.TCPDialerFunc, addr string) (*Client, error) {
	if dial == nil {
		return nil, errors.New("dial func is nil")
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// WriteLine sends line, appending a newline if it has none.
func (c *Client) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := c.conn.Write([]byte(line))
	return err
}

// ReadLine returns the next line without its terminator.
func (c *Client) ReadLine() (string, error) {
	s, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (c *Client) Conn() net.Conn {
	return c.conn
}

func (c *Client) Close() error {
	return c.conn.Close()
}
