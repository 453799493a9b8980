// Package circuit implements client circuit management: creation, telescopic
// extension and onion-layered relay cells.
package circuit

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pqtor/pkg/cell"
	"pqtor/pkg/channel"
	"pqtor/pkg/crypto"
	"pqtor/pkg/directory"
	"pqtor/pkg/onion"
	"pqtor/pkg/torerr"
)

// DefaultCircID is the id the client uses for its only circuit on a link.
const DefaultCircID uint32 = 1

// Circuit represents a client circuit through one or more relays.
type Circuit struct {
	channel *channel.Channel
	circID  uint32
	onion   onion.Onion

	// sendMu keeps forward counters in wire order.
	sendMu sync.Mutex

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a new circuit object on the given channel.
func New(ch *channel.Channel) *Circuit {
	return &Circuit{channel: ch, circID: DefaultCircID}
}

// Create sends a CREATE2 cell with a PQ-NTOR handshake to the first relay
// and processes the CREATED2 response. The reply must arrive within timeout.
func (c *Circuit) Create(ctx context.Context, router *directory.Router, timeout time.Duration) error {
	if c.onion.Len() != 0 {
		return torerr.Kind(torerr.ErrProtocol, errors.New("circuit already created"))
	}
	hs, err := crypto.NewPQNtorClientHandshake(&router.PublicKey)
	if err != nil {
		return errors.Wrap(err, "create pq-ntor handshake")
	}
	defer hs.Wipe()

	create := &cell.Create2{HType: cell.HTypePQNtor, HData: hs.ClientHandshakeData()}

	return c.withHandshakeDeadline(ctx, timeout, func() error {
		err := c.channel.SendCell(&cell.Cell{
			CircID:  c.circID,
			Command: cell.CommandCreate2,
			Payload: create.Encode(),
		})
		if err != nil {
			return errors.Wrap(err, "send CREATE2")
		}

		resp, err := c.recvCellExpect(cell.CommandCreated2)
		if err != nil {
			return errors.Wrapf(err, "await CREATED2 from %s", router.Name)
		}
		hdata, err := cell.ParseCreated2(resp.Payload)
		if err != nil {
			return err
		}
		return c.completeHop(hs, hdata, router)
	})
}

// Extend extends the circuit to an additional relay by sending an EXTEND2
// relay message through the existing circuit.
func (c *Circuit) Extend(ctx context.Context, router *directory.Router, timeout time.Duration) error {
	hops := c.onion.Len()
	if hops == 0 {
		return torerr.Kind(torerr.ErrProtocol, errors.New("extend before create"))
	}
	hs, err := crypto.NewPQNtorClientHandshake(&router.PublicKey)
	if err != nil {
		return errors.Wrap(err, "create pq-ntor handshake")
	}
	defer hs.Wipe()

	ext := &cell.Extend2{
		Host:    router.Host,
		Port:    router.Port,
		Create2: cell.Create2{HType: cell.HTypePQNtor, HData: hs.ClientHandshakeData()},
	}
	data, err := ext.Encode()
	if err != nil {
		return errors.Wrap(err, "build EXTEND2")
	}

	return c.withHandshakeDeadline(ctx, timeout, func() error {
		if err := c.SendRelayCell(cell.RelayExtend2, 0, data); err != nil {
			return errors.Wrap(err, "send EXTEND2")
		}

		rc, hop, err := c.recvRelayCell()
		if err != nil {
			return errors.Wrapf(err, "await EXTENDED2 for %s", router.Name)
		}
		if rc.Command != cell.RelayExtended2 || hop != hops-1 {
			return torerr.Kind(torerr.ErrProtocol,
				errors.Errorf("expected EXTENDED2 from hop %d, got %s from hop %d", hops, rc.Command, hop+1))
		}
		hdata, err := cell.ParseCreated2(rc.Data)
		if err != nil {
			return err
		}
		return c.completeHop(hs, hdata, router)
	})
}

func (c *Circuit) completeHop(hs *crypto.PQNtorClientHandshake, hdata []byte, router *directory.Router) error {
	result, err := hs.Complete(hdata)
	if err != nil {
		return errors.Wrapf(err, "complete handshake with %s", router.Name)
	}
	defer result.Wipe()

	keys, err := result.Keys()
	if err != nil {
		return err
	}
	defer keys.Wipe()

	layer, err := onion.NewLayer(keys)
	if err != nil {
		return errors.Wrap(err, "create hop crypto")
	}
	c.onion.Push(layer)
	return nil
}

// withHandshakeDeadline runs fn with the channel's read deadline set to
// timeout and cancelled early when ctx is done. Expired deadlines become
// ErrHandshakeTimeout, or ErrTimeout when ctx ran out first.
func (c *Circuit) withHandshakeDeadline(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := c.channel.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return torerr.Kind(torerr.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.channel.SetReadDeadline(time.Now())
	})
	err := fn()
	stop()
	c.channel.SetReadDeadline(time.Time{})

	if err == nil || !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return torerr.Kind(torerr.ErrTimeout, err)
		}
		return errors.Wrap(ctxErr, "circuit build aborted")
	}
	return torerr.Kind(torerr.ErrHandshakeTimeout, err)
}

// SendRelayCell seals, encrypts and sends a relay cell for the last hop.
func (c *Circuit) SendRelayCell(cmd cell.RelayCommand, streamID uint16, data []byte) error {
	rc := &cell.RelayCell{Command: cmd, StreamID: streamID, Data: data}
	body, err := rc.Encode()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.onion.WrapOutbound(body); err != nil {
		return err
	}
	return c.channel.SendCell(&cell.Cell{
		CircID:  c.circID,
		Command: cell.CommandRelay,
		Payload: body,
	})
}

// SendRelayData sends a DATA cell with the given data.
func (c *Circuit) SendRelayData(streamID uint16, data []byte) error {
	return c.SendRelayCell(cell.RelayData, streamID, data)
}

// SendRelayEnd sends an END cell with the given reason.
func (c *Circuit) SendRelayEnd(streamID uint16, reason cell.EndReason) error {
	return c.SendRelayCell(cell.RelayEnd, streamID, []byte{byte(reason)})
}

// SendRelayBegin sends a BEGIN cell to open a stream to host:port.
func (c *Circuit) SendRelayBegin(streamID uint16, addrPort string) error {
	return c.SendRelayCell(cell.RelayBegin, streamID, []byte(addrPort))
}

// RecvRelayCell reads and decrypts the next relay cell on the circuit.
func (c *Circuit) RecvRelayCell() (*cell.RelayCell, error) {
	rc, _, err := c.recvRelayCell()
	return rc, err
}

func (c *Circuit) recvRelayCell() (*cell.RelayCell, int, error) {
	msg, err := c.recvCellExpect(cell.CommandRelay)
	if err != nil {
		return nil, -1, err
	}
	hop, err := c.onion.PeelInbound(msg.Payload)
	if err != nil {
		return nil, -1, err
	}
	rc, err := cell.DecodeRelayCell(msg.Payload)
	if err != nil {
		return nil, -1, err
	}
	return rc, hop, nil
}

// recvCellExpect reads cells until one with the expected command arrives.
// Padding is skipped; DESTROY ends the circuit.
func (c *Circuit) recvCellExpect(expected cell.Command) (*cell.Cell, error) {
	for {
		msg, err := c.channel.RecvCell()
		if err != nil {
			return nil, err
		}
		if msg.Command == cell.CommandPadding {
			continue
		}
		if msg.CircID != c.circID {
			return nil, torerr.Kind(torerr.ErrProtocol,
				errors.Errorf("%s cell for unknown circuit %d", msg.Command, msg.CircID))
		}
		switch msg.Command {
		case expected:
			return msg, nil
		case cell.CommandDestroy:
			reason := cell.DestroyReasonOf(msg)
			kind := torerr.ErrCircuitDestroyed
			if reason == cell.DestroyReasonResourceLimit {
				kind = torerr.ErrResourceExhausted
			}
			return nil, torerr.Kind(kind, errors.Errorf("circuit destroyed: reason %s", reason))
		default:
			return nil, torerr.Kind(torerr.ErrProtocol,
				errors.Errorf("expected %s, got %s", expected, msg.Command))
		}
	}
}

// Len returns the number of hops with installed keys.
func (c *Circuit) Len() int {
	return c.onion.Len()
}

// CircID returns the circuit ID.
func (c *Circuit) CircID() uint32 {
	return c.circID
}

// Channel returns the underlying channel for this circuit.
func (c *Circuit) Channel() *channel.Channel {
	return c.channel
}

// Destroy sends a DESTROY cell to tear down the circuit and wipes all hop
// keys. Only the first call has any effect.
func (c *Circuit) Destroy() error {
	c.destroyOnce.Do(func() {
		c.sendMu.Lock()
		c.destroyErr = c.channel.SendCell(cell.NewDestroy(c.circID, cell.DestroyReasonFinished))
		c.sendMu.Unlock()
		c.onion.Wipe()
	})
	return c.destroyErr
}
