package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pqtor/pkg/cell"
	"pqtor/pkg/channel"
	"pqtor/pkg/instrument"
	"pqtor/pkg/onion"
	"pqtor/pkg/torerr"
)

const destroyWriteTimeout = time.Second

// relayCircuit is the state of one circuit at a relay. The forward layer is
// used only by the link goroutine; the backward layer is shared by the link
// goroutine, the extend, the downstream reader and exit streams, so every
// backward seal or wrap happens together with its send under bwdMu.
type relayCircuit struct {
	id     uint32
	prev   *link
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	fwdMu sync.Mutex
	layer *onion.Layer
	wiped bool // guarded by both fwdMu and bwdMu

	bwdMu sync.Mutex

	stateMu   sync.Mutex
	next      *channel.Channel
	nextID    uint32
	extending bool
	streams   map[uint16]*exitStream

	destroyOnce sync.Once
}

func newRelayCircuit(ctx context.Context, prev *link, id uint32, layer *onion.Layer, log *zap.Logger) *relayCircuit {
	ctx, cancel := context.WithCancel(ctx)
	return &relayCircuit{
		id:      id,
		prev:    prev,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		layer:   layer,
		streams: make(map[uint16]*exitStream),
	}
}

// handleForward processes a RELAY cell from the previous hop: strip one
// layer, then either act on it here or pass it downstream.
func (c *relayCircuit) handleForward(body []byte) {
	c.fwdMu.Lock()
	if c.wiped {
		c.fwdMu.Unlock()
		return
	}
	recognized := c.layer.PeelForward(body)
	if !recognized {
		next, nextID := c.downstream()
		if next == nil {
			c.fwdMu.Unlock()
			c.log.Warn("unrecognized RELAY cell at last hop", zap.Error(torerr.ErrOnionAuthFailed))
			c.destroy(true, false, opaqueReason)
			return
		}
		// Sending under fwdMu keeps the downstream order equal to the order
		// in which layers were stripped.
		err := next.SendCell(&cell.Cell{CircID: nextID, Command: cell.CommandRelay, Payload: body})
		c.fwdMu.Unlock()
		if err != nil {
			c.log.Debug("forward RELAY", zap.Error(err))
			c.destroy(true, false, cell.DestroyReasonDestroyed)
			return
		}
		instrument.Cell("forward", cell.CommandRelay.String())
		return
	}
	c.fwdMu.Unlock()

	rc, err := cell.DecodeRelayCell(body)
	if err != nil {
		c.log.Warn("malformed relay cell", zap.Error(err))
		c.destroy(true, true, opaqueReason)
		return
	}
	c.handleRelayCommand(rc)
}

func (c *relayCircuit) handleRelayCommand(rc *cell.RelayCell) {
	switch rc.Command {
	case cell.RelayExtend2:
		c.handleExtend2(rc)
	case cell.RelayBegin:
		c.handleBegin(rc)
	case cell.RelayData:
		c.handleData(rc)
	case cell.RelayEnd:
		c.handleEnd(rc)
	default:
		c.log.Debug("ignoring relay command", zap.Stringer("relay_cmd", rc.Command))
	}
}

// handleExtend2 validates an EXTEND2 and runs the extend in the
// background so the link keeps serving its other circuits meanwhile.
func (c *relayCircuit) handleExtend2(rc *cell.RelayCell) {
	c.stateMu.Lock()
	busy := c.next != nil || c.extending
	if !busy {
		c.extending = true
	}
	c.stateMu.Unlock()
	if busy {
		c.log.Warn("EXTEND2 on extended or extending circuit")
		c.destroy(true, true, opaqueReason)
		return
	}

	ext, err := cell.ParseExtend2(rc.Data)
	if err != nil {
		c.log.Warn("malformed EXTEND2", zap.Error(err))
		c.destroy(true, false, opaqueReason)
		return
	}

	r := c.prev.r
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.runExtend(ext)
	}()
}

// runExtend dials the next hop, forwards the inner CREATE2 and answers
// EXTENDED2 or, on any failure, DESTROY.
func (c *relayCircuit) runExtend(ext *cell.Extend2) {
	log := c.log.With(zap.String("next", ext.Addr()))
	start := time.Now()
	next, nextID, created, err := c.extend(ext)
	if err != nil {
		if c.ctx.Err() != nil {
			log.Debug("extend abandoned", zap.Error(err))
			return
		}
		instrument.ExtendFailed()
		log.Warn("extend failed", zap.String("reason", torerr.Code(err)), zap.Error(err))
		c.destroy(true, false, extendFailureReason(err))
		return
	}

	// destroy cancels ctx before it reads next, so a circuit torn down
	// from here on still closes the new link.
	c.stateMu.Lock()
	c.extending = false
	if c.ctx.Err() != nil {
		c.stateMu.Unlock()
		next.Close()
		log.Debug("extend abandoned", zap.Error(c.ctx.Err()))
		return
	}
	c.next, c.nextID = next, nextID
	c.stateMu.Unlock()

	extended := &cell.RelayCell{Command: cell.RelayExtended2, Data: created}
	if err := c.sendBackward(extended); err != nil {
		log.Debug("send EXTENDED2", zap.Error(err))
		c.destroy(false, true, cell.DestroyReasonDestroyed)
		return
	}
	go c.readDownstream(next)
	log.Info("circuit extended", zap.Uint32("next_circ_id", nextID), zap.Duration("elapsed", time.Since(start)))
}

func (c *relayCircuit) extend(ext *cell.Extend2) (*channel.Channel, uint32, []byte, error) {
	timeout := c.prev.r.cfg.HandshakeTimeout
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	next, err := channel.Dial(ctx, ext.Addr(), timeout)
	if err != nil {
		return nil, 0, nil, err
	}
	// Teardown of the circuit unblocks the handshake read below.
	stop := context.AfterFunc(c.ctx, func() { next.Close() })
	defer stop()
	nextID, err := generateCircID()
	if err != nil {
		next.Close()
		return nil, 0, nil, err
	}

	create := &cell.Cell{CircID: nextID, Command: cell.CommandCreate2, Payload: ext.Create2.Encode()}
	if err := next.SendCell(create); err != nil {
		next.Close()
		return nil, 0, nil, err
	}

	if err := next.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		next.Close()
		return nil, 0, nil, torerr.Kind(torerr.ErrTransport, err)
	}
	resp, err := next.RecvCell()
	if err != nil {
		next.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, 0, nil, torerr.Kind(torerr.ErrHandshakeTimeout, err)
		}
		return nil, 0, nil, err
	}
	next.SetReadDeadline(time.Time{})

	switch {
	case resp.CircID != nextID:
		err = errors.Errorf("%s for circuit %d, want %d", resp.Command, resp.CircID, nextID)
	case resp.Command == cell.CommandDestroy:
		err = torerr.Kind(torerr.ErrCircuitDestroyed, errors.Errorf("next hop refused: %s", cell.DestroyReasonOf(resp)))
	case resp.Command != cell.CommandCreated2:
		err = errors.Errorf("expected CREATED2, got %s", resp.Command)
	}
	if err != nil {
		next.Close()
		if !errors.Is(err, torerr.ErrCircuitDestroyed) {
			err = torerr.Kind(torerr.ErrProtocol, err)
		}
		return nil, 0, nil, err
	}

	// EXTENDED2 carries the CREATED2 payload as is.
	hdata, err := cell.ParseCreated2(resp.Payload)
	if err != nil {
		next.Close()
		return nil, 0, nil, err
	}
	return next, nextID, cell.EncodeCreated2(hdata), nil
}

// readDownstream adds this hop's backward layer to every RELAY cell from
// the next hop until the downstream link ends.
func (c *relayCircuit) readDownstream(next *channel.Channel) {
	for {
		msg, err := next.RecvCell()
		if err != nil {
			c.log.Debug("downstream link closed", zap.Error(err))
			c.destroy(true, false, cell.DestroyReasonDestroyed)
			return
		}
		switch msg.Command {
		case cell.CommandRelay:
			if err := c.wrapBackward(msg.Payload); err != nil {
				c.log.Debug("relay backward", zap.Error(err))
				c.destroy(false, true, cell.DestroyReasonDestroyed)
				return
			}
			instrument.Cell("backward", cell.CommandRelay.String())
		case cell.CommandDestroy:
			c.log.Debug("DESTROY from downstream", zap.Stringer("reason", cell.DestroyReasonOf(msg)))
			c.destroy(true, false, cell.DestroyReasonDestroyed)
			return
		case cell.CommandPadding:
		default:
			c.log.Warn("unexpected cell from downstream", zap.Stringer("cmd", msg.Command))
			c.destroy(true, true, opaqueReason)
			return
		}
	}
}

func (c *relayCircuit) wrapBackward(body []byte) error {
	c.bwdMu.Lock()
	defer c.bwdMu.Unlock()
	if c.wiped {
		return errors.WithStack(torerr.ErrCircuitDestroyed)
	}
	c.layer.WrapBackward(body)
	return c.prev.ch.SendCell(&cell.Cell{CircID: c.id, Command: cell.CommandRelay, Payload: body})
}

// sendBackward originates a relay cell at this hop towards the client.
func (c *relayCircuit) sendBackward(rc *cell.RelayCell) error {
	body, err := rc.Encode()
	if err != nil {
		return err
	}
	c.bwdMu.Lock()
	defer c.bwdMu.Unlock()
	if c.wiped {
		return errors.WithStack(torerr.ErrCircuitDestroyed)
	}
	if err := c.layer.SealBackward(body); err != nil {
		return err
	}
	return c.prev.ch.SendCell(&cell.Cell{CircID: c.id, Command: cell.CommandRelay, Payload: body})
}

func (c *relayCircuit) downstream() (*channel.Channel, uint32) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.next, c.nextID
}

// destroy tears the circuit down once: optionally tells the previous hop
// (up) and the next hop (down), closes the downstream link and exit streams,
// wipes the keys and frees the table entry.
func (c *relayCircuit) destroy(up, down bool, reason cell.DestroyReason) {
	c.destroyOnce.Do(func() {
		c.cancel()
		c.prev.forget(c)

		c.stateMu.Lock()
		next, nextID := c.next, c.nextID
		streams := c.streams
		c.streams = nil
		c.stateMu.Unlock()

		if next != nil {
			if down {
				// Bounds this send and any forward send stuck on a full link.
				next.SetDeadline(time.Now().Add(destroyWriteTimeout))
				next.SendCell(cell.NewDestroy(nextID, cell.DestroyReasonDestroyed))
			}
			next.Close()
		}
		for _, s := range streams {
			s.close()
		}

		c.fwdMu.Lock()
		c.bwdMu.Lock()
		if up {
			c.prev.sendDestroy(c.id, reason)
		}
		c.layer.Wipe()
		c.wiped = true
		c.bwdMu.Unlock()
		c.fwdMu.Unlock()

		c.prev.r.openCircuits.Add(-1)
		instrument.CircuitDestroyed(reason.String())
		c.log.Info("circuit destroyed", zap.Stringer("reason", reason))
	})
}

// generateCircID generates a random circuit ID with the most significant
// bit set, as the initiator of the downstream link.
func generateCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, torerr.Kind(torerr.ErrCrypto, err)
	}
	return binary.BigEndian.Uint32(buf[:]) | 0x80000000, nil
}

// extendFailureReason keeps unreachable and silent next hops apart from the
// opaque reason used for everything else.
func extendFailureReason(err error) cell.DestroyReason {
	switch torerr.Code(err) {
	case "transport_error", "timeout":
		return cell.DestroyReasonConnectFailed
	case "handshake_timeout":
		return cell.DestroyReasonTimeout
	}
	return opaqueReason
}
