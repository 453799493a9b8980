// Package cell implements the cell codec of the PQ-NTOR onion router.
//
// Every cell on a link is exactly CellLen bytes:
//
//	CircID [4 bytes] | Command [1 byte] | Length [2 bytes] | Payload [Length bytes] | zero padding
//
// The codec reads exactly one cell per call, so the byte stream of a link is
// self-synchronizing at cell boundaries.
package cell

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// Constants for cell sizes.
const (
	// CellLen is the total length of every cell on the wire. A Kyber-512
	// CREATE2 needs more than 800 bytes, so the classic 514 is too small.
	CellLen = 2048

	// CircIDLen is the circuit ID length.
	CircIDLen = 4

	// HeaderLen is CircID + Command + Length.
	HeaderLen = CircIDLen + 1 + 2 // 7

	// MaxPayloadLen is the largest payload_length a cell may carry.
	MaxPayloadLen = CellLen - HeaderLen // 2041
)

// Command represents a link-level cell command byte.
type Command uint8

// Link-level cell commands.
const (
	CommandCreate2  Command = 1
	CommandCreated2 Command = 2
	CommandRelay    Command = 3
	CommandDestroy  Command = 4
	CommandPadding  Command = 11
)

// Valid reports whether c is a known link-level command.
func (c Command) Valid() bool {
	switch c {
	case CommandCreate2, CommandCreated2, CommandRelay, CommandDestroy, CommandPadding:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case CommandCreate2:
		return "CREATE2"
	case CommandCreated2:
		return "CREATED2"
	case CommandRelay:
		return "RELAY"
	case CommandDestroy:
		return "DESTROY"
	case CommandPadding:
		return "PADDING"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// Cell is one decoded link cell.
type Cell struct {
	CircID  uint32
	Command Command
	Payload []byte // at most MaxPayloadLen bytes; padding is not included
}

// MarshalBinary returns the CellLen-byte wire form of the cell.
func (c *Cell) MarshalBinary() ([]byte, error) {
	if !c.Command.Valid() {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("encode unknown command %d", uint8(c.Command)))
	}
	if len(c.Payload) > MaxPayloadLen {
		return nil, torerr.Kind(torerr.ErrProtocol,
			errors.Errorf("payload too large: %d > %d", len(c.Payload), MaxPayloadLen))
	}
	buf := make([]byte, CellLen)
	binary.BigEndian.PutUint32(buf[0:4], c.CircID)
	buf[4] = byte(c.Command)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(c.Payload)))
	copy(buf[HeaderLen:], c.Payload)
	return buf, nil
}

// Encode writes the cell to w in a single write.
func (c *Cell) Encode(w io.Writer) error {
	buf, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write cell")
	}
	return nil
}

// Unmarshal parses exactly one CellLen-byte buffer.
func Unmarshal(buf []byte) (*Cell, error) {
	if len(buf) != CellLen {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("cell length = %d, want %d", len(buf), CellLen))
	}
	cmd := Command(buf[4])
	if !cmd.Valid() {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("unknown command %d", uint8(cmd)))
	}
	length := int(binary.BigEndian.Uint16(buf[5:7]))
	if length > MaxPayloadLen {
		return nil, torerr.Kind(torerr.ErrProtocol,
			errors.Errorf("payload_length %d exceeds %d", length, MaxPayloadLen))
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderLen:HeaderLen+length])
	return &Cell{
		CircID:  binary.BigEndian.Uint32(buf[0:4]),
		Command: cmd,
		Payload: payload,
	}, nil
}

// Decode reads exactly one cell from r. It blocks until CellLen bytes are
// available. Read failures are returned wrapped; io.EOF on a cell boundary is
// returned as is so callers can tell a clean close.
func Decode(r io.Reader) (*Cell, error) {
	buf := make([]byte, CellLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "read cell")
	}
	return Unmarshal(buf)
}

// NewDestroy builds a DESTROY cell carrying reason.
func NewDestroy(circID uint32, reason DestroyReason) *Cell {
	return &Cell{CircID: circID, Command: CommandDestroy, Payload: []byte{byte(reason)}}
}

// DestroyReasonOf returns the reason byte of a DESTROY cell.
func DestroyReasonOf(c *Cell) DestroyReason {
	if len(c.Payload) == 0 {
		return DestroyReasonNone
	}
	return DestroyReason(c.Payload[0])
}

// DestroyReason is the 1-byte payload of a DESTROY cell.
type DestroyReason uint8

// Destroy reason codes.
const (
	DestroyReasonNone          DestroyReason = 0
	DestroyReasonProtocol      DestroyReason = 1
	DestroyReasonInternal      DestroyReason = 2
	DestroyReasonRequested     DestroyReason = 3
	DestroyReasonResourceLimit DestroyReason = 5
	DestroyReasonConnectFailed DestroyReason = 6
	DestroyReasonFinished      DestroyReason = 9
	DestroyReasonTimeout       DestroyReason = 10
	DestroyReasonDestroyed     DestroyReason = 11
)

func (r DestroyReason) String() string {
	switch r {
	case DestroyReasonNone:
		return "none"
	case DestroyReasonProtocol:
		return "protocol"
	case DestroyReasonInternal:
		return "internal"
	case DestroyReasonRequested:
		return "requested"
	case DestroyReasonResourceLimit:
		return "resource_limit"
	case DestroyReasonConnectFailed:
		return "connect_failed"
	case DestroyReasonFinished:
		return "finished"
	case DestroyReasonTimeout:
		return "timeout"
	case DestroyReasonDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}
