// Package onion implements the per-hop layering of RELAY cell bodies.
//
// Outbound, the client seals a body for the last hop and encrypts it with
// every forward key from the last hop to the first, so each relay strips
// exactly one layer. Inbound, the originating hop seals and encrypts with its
// backward key, every hop closer to the client adds one more layer, and the
// client peels them in path order until one recognizes the body.
package onion

import (
	"crypto/subtle"
	"sync"

	"github.com/pkg/errors"

	"pqtor/pkg/cell"
	"pqtor/pkg/crypto"
	"pqtor/pkg/torerr"
)

// Seal computes the digest of an encoded relay body under rc, writes it into
// the body and folds the body into the running digest.
func Seal(rc *crypto.RelayCrypto, body []byte) error {
	auth, ok := cell.Authenticated(body)
	if !ok {
		return torerr.Kind(torerr.ErrProtocol, errors.New("seal malformed relay body"))
	}
	tag := rc.Tag(auth)
	copy(body[cell.DigestOffset:cell.DigestOffset+cell.DigestLen], tag[:])
	rc.Commit(auth)
	return nil
}

// Open reports whether a decrypted relay body carries a valid digest under
// rc. The running digest advances only when it does.
func Open(rc *crypto.RelayCrypto, body []byte) bool {
	auth, ok := cell.Authenticated(body)
	if !ok {
		return false
	}
	tag := rc.Tag(auth)
	var got [cell.DigestLen]byte
	copy(got[:], body[cell.DigestOffset:cell.DigestOffset+cell.DigestLen])
	if subtle.ConstantTimeCompare(tag[:], got[:]) != 1 {
		return false
	}
	rc.Commit(auth)
	return true
}

// Layer holds both directions of the symmetric state for one hop.
type Layer struct {
	Forward  *crypto.RelayCrypto // client -> exit
	Backward *crypto.RelayCrypto // exit -> client
}

// NewLayer initializes a layer from handshake-derived keys.
func NewLayer(ck *crypto.CircuitKeys) (*Layer, error) {
	fwd, err := crypto.NewForwardCrypto(ck)
	if err != nil {
		return nil, err
	}
	bwd, err := crypto.NewBackwardCrypto(ck)
	if err != nil {
		return nil, err
	}
	return &Layer{Forward: fwd, Backward: bwd}, nil
}

// PeelForward removes this hop's forward layer and reports whether the body
// is addressed to this hop.
func (l *Layer) PeelForward(body []byte) bool {
	l.Forward.XOR(body)
	return Open(l.Forward, body)
}

// WrapBackward adds this hop's backward layer to a body travelling towards
// the client.
func (l *Layer) WrapBackward(body []byte) {
	l.Backward.XOR(body)
}

// SealBackward seals a body originating at this hop and encrypts it.
func (l *Layer) SealBackward(body []byte) error {
	if err := Seal(l.Backward, body); err != nil {
		return err
	}
	l.Backward.XOR(body)
	return nil
}

// Wipe drops all key material of the layer.
func (l *Layer) Wipe() {
	l.Forward.Wipe()
	l.Backward.Wipe()
}

// Onion is the client's ordered stack of layers, first hop first. Outbound
// and inbound processing may run on different goroutines.
type Onion struct {
	outMu  sync.Mutex
	inMu   sync.Mutex
	layers []*Layer
}

// Push appends the layer of a newly added hop.
func (o *Onion) Push(l *Layer) {
	o.outMu.Lock()
	o.inMu.Lock()
	o.layers = append(o.layers, l)
	o.inMu.Unlock()
	o.outMu.Unlock()
}

// Len returns the number of hops.
func (o *Onion) Len() int {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	return len(o.layers)
}

// Layer returns the layer of hop i.
func (o *Onion) Layer(i int) *Layer {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	return o.layers[i]
}

// WrapOutbound seals body for the last hop and applies every forward layer,
// innermost first.
func (o *Onion) WrapOutbound(body []byte) error {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	if len(o.layers) == 0 {
		return torerr.Kind(torerr.ErrProtocol, errors.New("wrap on empty circuit"))
	}
	last := len(o.layers) - 1
	if err := Seal(o.layers[last].Forward, body); err != nil {
		return err
	}
	for i := last; i >= 0; i-- {
		o.layers[i].Forward.XOR(body)
	}
	return nil
}

// PeelInbound removes backward layers in path order until a hop recognizes
// the body, and returns that hop's index.
func (o *Onion) PeelInbound(body []byte) (int, error) {
	o.inMu.Lock()
	defer o.inMu.Unlock()
	for i, l := range o.layers {
		l.Backward.XOR(body)
		if Open(l.Backward, body) {
			return i, nil
		}
	}
	return -1, errors.WithStack(torerr.ErrOnionAuthFailed)
}

// Wipe drops the key material of every hop.
func (o *Onion) Wipe() {
	o.outMu.Lock()
	o.inMu.Lock()
	defer o.inMu.Unlock()
	defer o.outMu.Unlock()
	for _, l := range o.layers {
		l.Wipe()
	}
	o.layers = nil
}
