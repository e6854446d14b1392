package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/downfa11-org/mmq/util"
)

// Client sends commands to a Server one at a time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	gzip bool
}

func Dial(ctx context.Context, addr string, enableGzip bool) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial command endpoint %s: %w", addr, err)
	}
	return &Client{conn: conn, gzip: enableGzip}, nil
}

// Do sends one command line and returns the response text.
func (c *Client) Do(command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := CompressMessage([]byte(command), c.gzip)
	if err != nil {
		return "", err
	}
	if err := util.WriteWithLength(c.conn, req); err != nil {
		return "", err
	}
	frame, err := util.ReadWithLength(c.conn)
	if err != nil {
		return "", err
	}
	resp, err := DecompressMessage(frame, c.gzip)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func (c *Client) Close() error { return c.conn.Close() }
