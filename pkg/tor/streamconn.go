package tor

import (
	"net"
	"sync"
	"time"

	"pqtor/pkg/channel"
	"pqtor/pkg/stream"
)

// StreamConn wraps a circuit stream to implement net.Conn, so that
// net/http can parse responses read from it.
type StreamConn struct {
	stream *stream.Stream
	link   *channel.Channel

	mu           sync.RWMutex
	readDeadline time.Time
}

// NewStreamConn creates a new StreamConn wrapper. link is the channel to the
// guard and only supplies the addresses.
func NewStreamConn(s *stream.Stream, link *channel.Channel) *StreamConn {
	return &StreamConn{stream: s, link: link}
}

func (sc *StreamConn) Read(p []byte) (int, error) {
	sc.mu.RLock()
	deadline := sc.readDeadline
	sc.mu.RUnlock()
	return sc.stream.ReadWithDeadline(p, deadline)
}

// Write sends p as DATA cells. Writes block only on the link, so write
// deadlines are not tracked.
func (sc *StreamConn) Write(p []byte) (int, error) {
	return sc.stream.Write(p)
}

func (sc *StreamConn) Close() error {
	return sc.stream.Close()
}

func (sc *StreamConn) LocalAddr() net.Addr {
	return sc.link.LocalAddr()
}

func (sc *StreamConn) RemoteAddr() net.Addr {
	return sc.link.RemoteAddr()
}

func (sc *StreamConn) SetDeadline(t time.Time) error {
	return sc.SetReadDeadline(t)
}

func (sc *StreamConn) SetReadDeadline(t time.Time) error {
	sc.mu.Lock()
	sc.readDeadline = t
	sc.mu.Unlock()
	return nil
}

func (sc *StreamConn) SetWriteDeadline(time.Time) error {
	return nil
}
