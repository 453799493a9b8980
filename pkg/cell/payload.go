package cell

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// HTypePQNtor is the CREATE2 handshake type of PQ-NTOR.
const HTypePQNtor uint16 = 0x0101

// Create2 is the payload of a CREATE2 cell: HTYPE(2) | HLEN(2) | HDATA.
type Create2 struct {
	HType uint16
	HData []byte
}

// Encode returns the wire form of the CREATE2 payload.
func (c *Create2) Encode() []byte {
	buf := make([]byte, 4+len(c.HData))
	binary.BigEndian.PutUint16(buf[0:2], c.HType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(c.HData)))
	copy(buf[4:], c.HData)
	return buf
}

// ParseCreate2 parses a CREATE2 payload.
func ParseCreate2(payload []byte) (*Create2, error) {
	if len(payload) < 4 {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.Errorf("CREATE2 payload too short: %d", len(payload)))
	}
	hlen := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+hlen > len(payload) {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.Errorf("CREATE2 HLEN %d exceeds payload", hlen))
	}
	return &Create2{
		HType: binary.BigEndian.Uint16(payload[0:2]),
		HData: append([]byte(nil), payload[4:4+hlen]...),
	}, nil
}

// EncodeCreated2 returns the CREATED2 payload HLEN(2) | HDATA.
func EncodeCreated2(hdata []byte) []byte {
	buf := make([]byte, 2+len(hdata))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(hdata)))
	copy(buf[2:], hdata)
	return buf
}

// ParseCreated2 returns HDATA from a CREATED2 (or EXTENDED2) payload.
func ParseCreated2(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.Errorf("CREATED2 payload too short: %d", len(payload)))
	}
	hlen := int(binary.BigEndian.Uint16(payload[0:2]))
	if 2+hlen > len(payload) {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.Errorf("CREATED2 HLEN %d exceeds payload", hlen))
	}
	return append([]byte(nil), payload[2:2+hlen]...), nil
}

// Extend2 is the data of a RELAY EXTEND2 cell:
//
//	HOSTLEN(1) | HOST | PORT(2) | CREATE2 payload
type Extend2 struct {
	Host    string
	Port    uint16
	Create2 Create2
}

// Addr returns host:port of the next hop.
func (e *Extend2) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Encode returns the relay data of the EXTEND2 cell.
func (e *Extend2) Encode() ([]byte, error) {
	if len(e.Host) == 0 || len(e.Host) > 255 {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("EXTEND2 host length %d", len(e.Host)))
	}
	inner := e.Create2.Encode()
	buf := make([]byte, 0, 1+len(e.Host)+2+len(inner))
	buf = append(buf, byte(len(e.Host)))
	buf = append(buf, e.Host...)
	buf = binary.BigEndian.AppendUint16(buf, e.Port)
	buf = append(buf, inner...)
	if len(buf) > MaxRelayDataLen {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("EXTEND2 data too large: %d", len(buf)))
	}
	return buf, nil
}

// ParseExtend2 parses EXTEND2 relay data.
func ParseExtend2(data []byte) (*Extend2, error) {
	if len(data) < 1 {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.New("empty EXTEND2"))
	}
	hostLen := int(data[0])
	if hostLen == 0 || len(data) < 1+hostLen+2 {
		return nil, torerr.Kind(torerr.ErrProtocol, errors.Errorf("EXTEND2 truncated (host length %d)", hostLen))
	}
	e := &Extend2{
		Host: string(data[1 : 1+hostLen]),
		Port: binary.BigEndian.Uint16(data[1+hostLen : 3+hostLen]),
	}
	inner, err := ParseCreate2(data[3+hostLen:])
	if err != nil {
		return nil, err
	}
	e.Create2 = *inner
	return e, nil
}
