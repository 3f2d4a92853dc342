package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/wire"
)

// Transmitter delivers the packet of a batch and returns the ack of the
// server. Errors carry a hemeter Kind: NetworkTimeout and ConnectionLost
// are worth retrying, other kinds are not.
type Transmitter interface {
	Send(ctx context.Context, p *wire.Packet) (*wire.Ack, error)
	Close() error
}

// Client is the TCP Transmitter. It keeps one connection open across
// sends and dials again after a failure. The deadline of each send is
// the deadline of its context.
type Client struct {
	addr   string
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a Client for the server at addr. It connects on the
// first send.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Send writes p and waits for the ack.
func (c *Client) Send(ctx context.Context, p *wire.Packet) (*wire.Ack, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, transportError(ctx, "connect", err)
		}
		c.conn = conn
	}

	conn := c.conn

	// A cancelled context interrupts blocked reads and writes.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(noDeadline)
	}

	if err := wire.WritePacket(conn, p); err != nil {
		c.reset()
		return nil, transportError(ctx, "send packet", err)
	}

	ack, err := wire.ReadAck(conn)
	if err != nil {
		c.reset()
		if hemeter.KindOf(err) == hemeter.MalformedPacket {
			return nil, err
		}
		return nil, transportError(ctx, "read ack", err)
	}

	if ack.Status == wire.AckRejected {
		c.reset()
		return ack, ack.Err()
	}

	return ack, nil
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

var (
	aLongTimeAgo = time.Unix(1, 0)
	noDeadline   = time.Time{}
)

// transportError classifies a transport failure: an elapsed deadline is a
// NetworkTimeout, anything else breaks the connection.
func transportError(ctx context.Context, op string, err error) error {

	if errors.Is(ctx.Err(), context.Canceled) {
		return hemeter.Wrap(hemeter.ConnectionLost, op, fmt.Errorf("%w: %w", ctx.Err(), err))
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return hemeter.Wrap(hemeter.NetworkTimeout, op, err)
	}

	return hemeter.Wrap(hemeter.ConnectionLost, op, err)
}
