package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// Relay cell layout. The body of a RELAY cell always fills the whole payload.
const (
	RelayHeaderLen  = 9 // cmd(1) + streamID(2) + digest(4) + length(2)
	RelayBodyLen    = MaxPayloadLen
	MaxRelayDataLen = RelayBodyLen - RelayHeaderLen // 2032

	// DigestOffset is where the 4-byte digest sits inside a relay body.
	DigestOffset = 3
	DigestLen    = 4
)

// RelayCommand represents a relay cell sub-command.
type RelayCommand uint8

const (
	RelayExtend2   RelayCommand = 5
	RelayExtended2 RelayCommand = 6
	RelayBegin     RelayCommand = 7
	RelayConnected RelayCommand = 8
	RelayData      RelayCommand = 9
	RelayEnd       RelayCommand = 10
)

func (c RelayCommand) String() string {
	switch c {
	case RelayExtend2:
		return "EXTEND2"
	case RelayExtended2:
		return "EXTENDED2"
	case RelayBegin:
		return "BEGIN"
	case RelayConnected:
		return "CONNECTED"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// RelayCell represents the decrypted contents of a RELAY cell.
type RelayCell struct {
	Command  RelayCommand
	StreamID uint16
	Digest   [DigestLen]byte
	Data     []byte
}

// Encode encodes the relay cell into a RelayBodyLen-byte body.
func (rc *RelayCell) Encode() ([]byte, error) {
	if len(rc.Data) > MaxRelayDataLen {
		return nil, torerr.Kind(torerr.ErrProtocol,
			errors.Errorf("relay data too large: %d > %d", len(rc.Data), MaxRelayDataLen))
	}
	body := make([]byte, RelayBodyLen)
	body[0] = byte(rc.Command)
	binary.BigEndian.PutUint16(body[1:3], rc.StreamID)
	copy(body[DigestOffset:DigestOffset+DigestLen], rc.Digest[:])
	binary.BigEndian.PutUint16(body[7:9], uint16(len(rc.Data)))
	copy(body[RelayHeaderLen:], rc.Data)
	return body, nil
}

// DecodeRelayCell decodes a RelayBodyLen-byte body into a RelayCell.
func DecodeRelayCell(body []byte) (*RelayCell, error) {
	if len(body) != RelayBodyLen {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("relay body length = %d, want %d", len(body), RelayBodyLen))
	}
	dataLen := int(binary.BigEndian.Uint16(body[7:9]))
	if dataLen > MaxRelayDataLen {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("relay data length %d exceeds body", dataLen))
	}
	rc := &RelayCell{
		Command:  RelayCommand(body[0]),
		StreamID: binary.BigEndian.Uint16(body[1:3]),
		Data:     append([]byte(nil), body[RelayHeaderLen:RelayHeaderLen+dataLen]...),
	}
	copy(rc.Digest[:], body[DigestOffset:DigestOffset+DigestLen])
	return rc, nil
}

// Authenticated returns the bytes covered by the relay digest: the header
// with its digest field zeroed, followed by the data. ok is false when the
// length field does not fit, which for an encrypted body means the cell is
// not addressed to this hop.
func Authenticated(body []byte) (auth []byte, ok bool) {
	if len(body) != RelayBodyLen {
		return nil, false
	}
	dataLen := int(binary.BigEndian.Uint16(body[7:9]))
	if dataLen > MaxRelayDataLen {
		return nil, false
	}
	auth = make([]byte, RelayHeaderLen+dataLen)
	copy(auth, body[:RelayHeaderLen+dataLen])
	clear(auth[DigestOffset : DigestOffset+DigestLen])
	return auth, true
}

// EndReason is the 1-byte payload of a RELAY END cell.
type EndReason uint8

// End reason codes.
const (
	EndReasonMisc           EndReason = 1
	EndReasonResolveFailed  EndReason = 2
	EndReasonConnectRefused EndReason = 3
	EndReasonExitPolicy     EndReason = 4
	EndReasonDestroy        EndReason = 5
	EndReasonDone           EndReason = 6
	EndReasonTimeout        EndReason = 7
)

func (r EndReason) String() string {
	switch r {
	case EndReasonMisc:
		return "misc"
	case EndReasonResolveFailed:
		return "resolve_failed"
	case EndReasonConnectRefused:
		return "connect_refused"
	case EndReasonExitPolicy:
		return "exit_policy"
	case EndReasonDestroy:
		return "destroy"
	case EndReasonDone:
		return "done"
	case EndReasonTimeout:
		return "timeout"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}
