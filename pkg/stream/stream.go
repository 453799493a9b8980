// Package stream implements TCP streams tunneled through a client circuit.
//
// There is no SENDME flow control: a stream that is not read stalls the
// circuit's read loop, which in turn stops reading the link and lets TCP
// push back on the exit.
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pqtor/pkg/cell"
	"pqtor/pkg/circuit"
	"pqtor/pkg/torerr"
)

const streamEventQueueSize = 128

var errNoStreamIDs = errors.New("no stream IDs available")

// Stream represents a TCP stream tunneled through a circuit.
type Stream struct {
	mgr      *Manager
	streamID uint16
	events   chan *cell.RelayCell
	gone     chan struct{} // closed when the manager forgets the stream

	mu         sync.Mutex
	buf        []byte
	remoteDone bool // END received
	localDone  bool // Close called
	endReason  cell.EndReason
}

// Manager manages the streams of a single circuit and owns its read loop.
type Manager struct {
	circuit *circuit.Circuit
	streams map[uint16]*Stream
	mu      sync.RWMutex
	nextID  uint16
	readErr error
	done    chan struct{}
	once    sync.Once
}

// NewManager creates a new stream manager for the given circuit and starts
// reading relay cells from it.
func NewManager(circ *circuit.Circuit) *Manager {
	m := &Manager{
		circuit: circ,
		streams: make(map[uint16]*Stream),
		nextID:  1,
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// readLoop continuously reads relay cells from the circuit and dispatches
// them to the appropriate stream.
func (m *Manager) readLoop() {
	for {
		rc, err := m.circuit.RecvRelayCell()
		if err != nil {
			m.failAll(err)
			return
		}
		if rc.StreamID == 0 {
			// No circuit-level commands are expected once streams run.
			continue
		}

		m.mu.RLock()
		s, ok := m.streams[rc.StreamID]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		select {
		case s.events <- rc:
		case <-s.gone:
		}
	}
}

// Done is closed once the read loop has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the read loop, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readErr
}

// OpenStream opens a new stream to host:port through the circuit and waits
// for the exit to connect.
func (m *Manager) OpenStream(ctx context.Context, addrPort string) (*Stream, error) {
	m.mu.Lock()
	if m.readErr != nil {
		m.mu.Unlock()
		return nil, m.readErr
	}
	streamID, err := m.allocateStreamIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := &Stream{
		mgr:      m,
		streamID: streamID,
		events:   make(chan *cell.RelayCell, streamEventQueueSize),
		gone:     make(chan struct{}),
	}
	m.streams[streamID] = s
	m.mu.Unlock()

	if err := m.circuit.SendRelayBegin(streamID, addrPort); err != nil {
		m.removeStream(streamID)
		return nil, errors.Wrap(err, "send BEGIN")
	}

	deadline, _ := ctx.Deadline()
	for {
		rc, err := s.nextEvent(ctx, deadline)
		if err != nil {
			m.removeStream(streamID)
			return nil, err
		}

		switch rc.Command {
		case cell.RelayConnected:
			return s, nil
		case cell.RelayEnd:
			m.removeStream(streamID)
			return nil, torerr.Kind(torerr.ErrStreamRejected,
				errors.Errorf("stream to %s rejected: %s", addrPort, endReasonOf(rc)))
		case cell.RelayData:
			s.mu.Lock()
			s.buf = append(s.buf, rc.Data...)
			s.mu.Unlock()
		}
	}
}

// Read reads data from the stream. It returns io.EOF once the exit has
// ended the stream and the buffer is drained.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadWithDeadline(p, time.Time{})
}

// ReadWithDeadline is Read bounded by deadline; the zero time means no
// deadline.
func (s *Stream) ReadWithDeadline(p []byte, deadline time.Time) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.remoteDone || s.localDone {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		rc, err := s.nextEvent(context.Background(), deadline)
		if err != nil {
			return 0, err
		}

		s.mu.Lock()
		switch rc.Command {
		case cell.RelayData:
			s.buf = append(s.buf, rc.Data...)
		case cell.RelayEnd:
			s.remoteDone = true
			s.endReason = endReasonOf(rc)
		}
		s.mu.Unlock()
	}
}

// Write sends data through the stream, split into DATA cells.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) || len(p) == 0 {
		s.mu.Lock()
		closed := s.remoteDone || s.localDone
		s.mu.Unlock()
		if closed {
			return written, io.ErrClosedPipe
		}

		chunk := len(p) - written
		if chunk > cell.MaxRelayDataLen {
			chunk = cell.MaxRelayDataLen
		}
		if err := s.mgr.circuit.SendRelayData(s.streamID, p[written:written+chunk]); err != nil {
			return written, errors.Wrap(err, "send DATA")
		}
		written += chunk
		if len(p) == 0 {
			break
		}
	}
	return written, nil
}

// StreamID returns the stream ID.
func (s *Stream) StreamID() uint16 {
	return s.streamID
}

// EndReason returns the reason the exit gave when it ended the stream.
func (s *Stream) EndReason() cell.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Close closes the stream, sending END unless the exit already ended it.
func (s *Stream) Close() error {
	s.mu.Lock()
	sendEnd := !s.remoteDone && !s.localDone
	s.localDone = true
	s.mu.Unlock()

	var err error
	if sendEnd {
		err = s.mgr.circuit.SendRelayEnd(s.streamID, cell.EndReasonDone)
	}
	s.mgr.removeStream(s.streamID)
	return err
}

func (s *Stream) nextEvent(ctx context.Context, deadline time.Time) (*cell.RelayCell, error) {
	select {
	case rc := <-s.events:
		return rc, nil
	default:
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case rc := <-s.events:
		return rc, nil
	case <-s.mgr.done:
		select {
		case rc := <-s.events:
			return rc, nil
		default:
		}
		return nil, s.mgr.readError()
	case <-s.gone:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, torerr.Kind(torerr.ErrTimeout, ctx.Err())
	case <-timeout:
		return nil, torerr.Kind(torerr.ErrTimeout, errors.New("stream read deadline exceeded"))
	}
}

func endReasonOf(rc *cell.RelayCell) cell.EndReason {
	if len(rc.Data) == 0 {
		return cell.EndReasonMisc
	}
	return cell.EndReason(rc.Data[0])
}

func (m *Manager) allocateStreamIDLocked() (uint16, error) {
	for i := 0; i < 0xFFFF; i++ {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, exists := m.streams[id]; !exists {
			return id, nil
		}
	}
	return 0, errNoStreamIDs
}

func (m *Manager) removeStream(streamID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamID]; ok {
		delete(m.streams, streamID)
		close(s.gone)
	}
}

func (m *Manager) failAll(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.readErr = err
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Manager) readError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return m.readErr
	}
	return io.EOF
}
