package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pqtor/pkg/cell"
	"pqtor/pkg/channel"
	"pqtor/pkg/instrument"
	"pqtor/pkg/onion"
	"pqtor/pkg/torerr"
)

// opaqueReason is sent upstream for every handshake, crypto or protocol
// failure so peers cannot tell them apart.
const opaqueReason = cell.DestroyReasonProtocol

// link is an inbound connection from the previous hop and the circuits it
// carries.
type link struct {
	r   *Relay
	ch  *channel.Channel
	log *zap.Logger

	mu       sync.Mutex
	circuits map[uint32]*relayCircuit
}

func newLink(r *Relay, ch *channel.Channel) *link {
	return &link{
		r:        r,
		ch:       ch,
		log:      r.log.With(zap.Stringer("remote", ch.RemoteAddr())),
		circuits: make(map[uint32]*relayCircuit),
	}
}

// serve reads cells in FIFO order until the link fails, then destroys every
// circuit it carried.
func (l *link) serve(ctx context.Context) {
	l.log.Debug("link opened")
	defer l.close()

	for {
		c, err := l.ch.RecvCell()
		if err != nil {
			if errors.Is(err, torerr.ErrProtocol) {
				l.log.Warn("protocol violation, closing link", zap.Error(err))
			} else {
				l.log.Debug("link closed", zap.Error(err))
			}
			return
		}
		instrument.Cell("in", c.Command.String())

		switch c.Command {
		case cell.CommandCreate2:
			l.handleCreate2(ctx, c)
		case cell.CommandRelay:
			if circ := l.circuit(c.CircID); circ != nil {
				circ.handleForward(c.Payload)
			} else {
				l.log.Debug("RELAY cell for unknown circuit", zap.Uint32("circ_id", c.CircID))
			}
		case cell.CommandDestroy:
			if circ := l.circuit(c.CircID); circ != nil {
				circ.log.Debug("DESTROY from upstream", zap.Stringer("reason", cell.DestroyReasonOf(c)))
				circ.destroy(false, true, cell.DestroyReasonRequested)
			}
		case cell.CommandPadding:
		default:
			l.log.Debug("ignoring cell", zap.Stringer("cmd", c.Command), zap.Uint32("circ_id", c.CircID))
		}
	}
}

func (l *link) handleCreate2(ctx context.Context, c *cell.Cell) {
	log := l.log.With(zap.Uint32("circ_id", c.CircID))

	if c.CircID == 0 {
		log.Warn("CREATE2 on circuit id 0")
		l.sendDestroy(c.CircID, opaqueReason)
		return
	}
	if existing := l.circuit(c.CircID); existing != nil {
		log.Warn("CREATE2 for circuit in use")
		existing.destroy(true, true, opaqueReason)
		return
	}
	if l.count() >= l.r.cfg.MaxCircuits {
		log.Warn("circuit limit reached", zap.Int("max_circuits", l.r.cfg.MaxCircuits))
		l.sendDestroy(c.CircID, cell.DestroyReasonResourceLimit)
		return
	}

	reply, layer, err := l.respond(c.Payload)
	if err != nil {
		instrument.HandshakeFailed()
		log.Warn("handshake failed", zap.String("reason", torerr.Code(err)), zap.Error(err))
		l.sendDestroy(c.CircID, opaqueReason)
		return
	}

	circ := newRelayCircuit(ctx, l, c.CircID, layer, log)
	l.mu.Lock()
	l.circuits[c.CircID] = circ
	l.mu.Unlock()
	l.r.openCircuits.Add(1)
	instrument.CircuitCreated()

	err = l.ch.SendCell(&cell.Cell{
		CircID:  c.CircID,
		Command: cell.CommandCreated2,
		Payload: cell.EncodeCreated2(reply),
	})
	if err != nil {
		log.Debug("send CREATED2", zap.Error(err))
		circ.destroy(false, false, cell.DestroyReasonInternal)
		return
	}
	log.Info("circuit created")
}

// respond runs the server side of PQ-NTOR for a CREATE2 payload and returns
// the CREATED2 handshake data with the hop's symmetric layer.
func (l *link) respond(payload []byte) ([]byte, *onion.Layer, error) {
	create, err := cell.ParseCreate2(payload)
	if err != nil {
		return nil, nil, err
	}
	if create.HType != cell.HTypePQNtor {
		return nil, nil, torerr.Kind(torerr.ErrHandshakeMalformed,
			errors.Errorf("unsupported handshake type 0x%04x", create.HType))
	}

	reply, result, err := l.r.server.Respond(create.HData)
	if err != nil {
		return nil, nil, err
	}
	defer result.Wipe()

	keys, err := result.Keys()
	if err != nil {
		return nil, nil, err
	}
	defer keys.Wipe()

	layer, err := onion.NewLayer(keys)
	if err != nil {
		return nil, nil, err
	}
	return reply, layer, nil
}

func (l *link) sendDestroy(circID uint32, reason cell.DestroyReason) {
	if err := l.ch.SendCell(cell.NewDestroy(circID, reason)); err != nil {
		l.log.Debug("send DESTROY", zap.Uint32("circ_id", circID), zap.Error(err))
	}
}

func (l *link) circuit(id uint32) *relayCircuit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuits[id]
}

func (l *link) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.circuits)
}

// forget removes circ from the table if it is still the entry for its id.
func (l *link) forget(circ *relayCircuit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circuits[circ.id] == circ {
		delete(l.circuits, circ.id)
	}
}

// close tears down every circuit of the link. A closed link is equivalent
// to a DESTROY for each of them.
func (l *link) close() {
	l.ch.Close()

	l.mu.Lock()
	circuits := make([]*relayCircuit, 0, len(l.circuits))
	for _, circ := range l.circuits {
		circuits = append(circuits, circ)
	}
	l.mu.Unlock()

	for _, circ := range circuits {
		circ.destroy(false, true, cell.DestroyReasonDestroyed)
	}
}
