// Package channel implements the TCP link between two adjacent nodes.
//
// A channel carries a FIFO sequence of fixed-size cells. Writes from
// concurrent goroutines are serialized so cells never interleave on the wire;
// reads are expected from a single goroutine per channel.
package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pqtor/pkg/cell"
	"pqtor/pkg/torerr"
)

// DialRetryDelay is the pause before the single connect retry.
const DialRetryDelay = 500 * time.Millisecond

// Channel represents a cell link over a TCP connection.
type Channel struct {
	conn net.Conn
	mu   sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Dial opens a TCP link to address. A failed connect is retried once after
// DialRetryDelay; each attempt is bounded by timeout.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Channel, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, torerr.Kind(torerr.ErrTransport, errors.Wrapf(err, "tcp dial %s", address))
		case <-time.After(DialRetryDelay):
		}
		conn, err = dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, torerr.Kind(torerr.ErrTransport, errors.Wrapf(err, "tcp dial %s (retry)", address))
		}
	}
	return New(conn), nil
}

// SendCell sends a cell on the channel.
func (ch *Channel) SendCell(c *cell.Cell) error {
	buf, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, err := ch.conn.Write(buf); err != nil {
		return torerr.Kind(torerr.ErrTransport, errors.Wrapf(err, "send %s cell", c.Command))
	}
	return nil
}

// RecvCell reads exactly one cell from the channel. A peer close on a cell
// boundary is reported as a transport error wrapping io.EOF.
func (ch *Channel) RecvCell() (*cell.Cell, error) {
	c, err := cell.Decode(ch.conn)
	if err != nil {
		if errors.Is(err, torerr.ErrProtocol) {
			return nil, err
		}
		return nil, torerr.Kind(torerr.ErrTransport, err)
	}
	return c, nil
}

// SetDeadline sets the read and write deadline of the underlying connection.
func (ch *Channel) SetDeadline(t time.Time) error {
	return ch.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline of the underlying connection.
func (ch *Channel) SetReadDeadline(t time.Time) error {
	return ch.conn.SetReadDeadline(t)
}

// Close closes the channel. It is safe to call more than once.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closeErr = ch.conn.Close()
	})
	return ch.closeErr
}

// RemoteAddr returns the peer address.
func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (ch *Channel) LocalAddr() net.Addr {
	return ch.conn.LocalAddr()
}
