package relay

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pqtor/pkg/cell"
	"pqtor/pkg/instrument"
)

// streamWriteQueue is the number of DATA cells buffered for a target before
// the stream is ended.
const streamWriteQueue = 64

// errTargetClosed ends the pump when the target closes its side.
var errTargetClosed = errors.New("target closed connection")

// exitStream is a connection from the exit to a stream's target.
type exitStream struct {
	id     uint16
	writes chan []byte
	done   chan struct{} // closed once both pumps have stopped

	mu             sync.Mutex
	conn           net.Conn
	closedByClient bool
}

// close drops the stream after END from the client or circuit teardown.
func (s *exitStream) close() {
	s.mu.Lock()
	s.closedByClient = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *exitStream) setConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedByClient {
		return false
	}
	s.conn = conn
	return true
}

func (s *exitStream) dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByClient
}

func (c *relayCircuit) handleBegin(rc *cell.RelayCell) {
	log := c.log.With(zap.Uint16("stream_id", rc.StreamID))
	if !c.prev.r.IsExit() {
		log.Debug("BEGIN at non-exit relay")
		c.endStream(rc.StreamID, cell.EndReasonExitPolicy)
		return
	}
	target := string(rc.Data)
	if rc.StreamID == 0 {
		log.Warn("BEGIN on stream 0")
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		log.Debug("BEGIN with bad target", zap.String("target", target))
		c.endStream(rc.StreamID, cell.EndReasonResolveFailed)
		return
	}

	s := &exitStream{
		id:     rc.StreamID,
		writes: make(chan []byte, streamWriteQueue),
		done:   make(chan struct{}),
	}
	c.stateMu.Lock()
	_, exists := c.streams[rc.StreamID]
	if c.streams == nil || exists {
		c.stateMu.Unlock()
		log.Debug("BEGIN refused", zap.Bool("duplicate", exists))
		c.endStream(rc.StreamID, cell.EndReasonMisc)
		return
	}
	c.streams[rc.StreamID] = s
	c.stateMu.Unlock()

	go c.runStream(s, target, log.With(zap.String("target", target)))
}

// runStream connects to target and pumps bytes both ways until either side
// finishes.
func (c *relayCircuit) runStream(s *exitStream, target string, log *zap.Logger) {
	defer close(s.done)
	defer c.forgetStream(s)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.prev.r.cfg.HandshakeTimeout)
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		log.Info("stream connect failed", zap.Error(err))
		reason := cell.EndReasonConnectRefused
		if errors.Is(err, context.DeadlineExceeded) {
			reason = cell.EndReasonTimeout
		}
		c.endStream(s.id, reason)
		return
	}
	if !s.setConn(conn) {
		conn.Close()
		return
	}
	defer conn.Close()

	if err := c.sendBackward(&cell.RelayCell{Command: cell.RelayConnected, StreamID: s.id}); err != nil {
		log.Debug("send CONNECTED", zap.Error(err))
		return
	}
	instrument.StreamOpened()
	log.Debug("stream connected")

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		return c.pumpFromTarget(s, conn)
	})
	g.Go(func() error {
		return pumpToTarget(gctx, s, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err = g.Wait()

	if s.dropped() {
		log.Debug("stream closed by client")
		return
	}
	reason := cell.EndReasonDone
	if !errors.Is(err, errTargetClosed) {
		log.Debug("stream failed", zap.Error(err))
		reason = cell.EndReasonMisc
	}
	c.endStream(s.id, reason)
}

// pumpFromTarget sends target bytes back as DATA cells. It always returns
// a non-nil error so the group shuts down when the target is done.
func (c *relayCircuit) pumpFromTarget(s *exitStream, conn net.Conn) error {
	buf := make([]byte, cell.MaxRelayDataLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := &cell.RelayCell{Command: cell.RelayData, StreamID: s.id, Data: buf[:n]}
			if serr := c.sendBackward(data); serr != nil {
				return serr
			}
		}
		if err != nil {
			if isEOF(err) {
				return errTargetClosed
			}
			return errors.Wrap(err, "read target")
		}
	}
}

func pumpToTarget(ctx context.Context, s *exitStream, conn net.Conn) error {
	for {
		select {
		case data := <-s.writes:
			if _, err := conn.Write(data); err != nil {
				return errors.Wrap(err, "write target")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *relayCircuit) handleData(rc *cell.RelayCell) {
	s := c.stream(rc.StreamID)
	if s == nil {
		c.log.Debug("DATA for unknown stream", zap.Uint16("stream_id", rc.StreamID))
		return
	}
	if len(rc.Data) == 0 {
		return
	}
	select {
	case s.writes <- rc.Data:
	case <-s.done:
	case <-c.ctx.Done():
	default:
		// A target that cannot keep up must not stall the link.
		c.log.Info("stream write queue full", zap.Uint16("stream_id", rc.StreamID))
		c.forgetStream(s)
		s.close()
		c.endStream(rc.StreamID, cell.EndReasonMisc)
	}
}

func (c *relayCircuit) handleEnd(rc *cell.RelayCell) {
	s := c.stream(rc.StreamID)
	if s == nil {
		return
	}
	c.forgetStream(s)
	s.close()
}

func (c *relayCircuit) endStream(id uint16, reason cell.EndReason) {
	end := &cell.RelayCell{Command: cell.RelayEnd, StreamID: id, Data: []byte{byte(reason)}}
	if err := c.sendBackward(end); err != nil {
		c.log.Debug("send END", zap.Uint16("stream_id", id), zap.Error(err))
	}
}

func (c *relayCircuit) stream(id uint16) *exitStream {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.streams[id]
}

func (c *relayCircuit) forgetStream(s *exitStream) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
