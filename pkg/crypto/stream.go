package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// TagLen is the length of the truncated RELAY cell digest.
const TagLen = 4

// Direction labels seed the running digests so forward and backward tags
// never collide under the shared digest key.
const (
	forwardLabel  = ProtoID + ":forward"
	backwardLabel = ProtoID + ":backward"
)

// RelayCrypto holds the stream cipher and running digest for one direction
// of a single hop in a circuit.
type RelayCrypto struct {
	cipher    cipher.Stream
	digest    hash.Hash
	digestKey []byte
	processed uint64 // keystream bytes consumed
}

// NewRelayCrypto creates a RelayCrypto keyed with AES-128-CTR(key, iv) and a
// running SHA-256 digest seeded with label.
func NewRelayCrypto(key, iv, digestKey []byte, label string) (*RelayCrypto, error) {
	if len(key) != KeyLen || len(iv) != IVLen {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Errorf("relay crypto key/iv length %d/%d", len(key), len(iv)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "create AES cipher"))
	}

	h := sha256.New()
	h.Write([]byte(label))

	return &RelayCrypto{
		cipher:    cipher.NewCTR(block, iv),
		digest:    h,
		digestKey: append([]byte(nil), digestKey...),
	}, nil
}

// NewForwardCrypto returns the client -> exit direction for keys.
func NewForwardCrypto(ck *CircuitKeys) (*RelayCrypto, error) {
	return NewRelayCrypto(ck.ForwardKey[:], ck.ForwardIV[:], ck.DigestKey[:], forwardLabel)
}

// NewBackwardCrypto returns the exit -> client direction for keys.
func NewBackwardCrypto(ck *CircuitKeys) (*RelayCrypto, error) {
	return NewRelayCrypto(ck.BackwardKey[:], ck.BackwardIV[:], ck.DigestKey[:], backwardLabel)
}

// XOR encrypts or decrypts data in place. The counter carries over between
// calls, so a keystream block is never used twice.
func (rc *RelayCrypto) XOR(data []byte) {
	rc.cipher.XORKeyStream(data, data)
	rc.processed += uint64(len(data))
}

// Tag returns the 4-byte digest for authenticated bytes without advancing
// the running digest.
func (rc *RelayCrypto) Tag(authenticated []byte) [TagLen]byte {
	mac := hmac.New(sha256.New, rc.digestKey)
	mac.Write(rc.digest.Sum(nil))
	mac.Write(authenticated)
	var tag [TagLen]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Commit folds authenticated bytes into the running digest.
func (rc *RelayCrypto) Commit(authenticated []byte) {
	rc.digest.Write(authenticated)
}

// DigestValue returns the current running digest without resetting it.
func (rc *RelayCrypto) DigestValue() []byte {
	return rc.digest.Sum(nil)
}

// BytesProcessed returns the number of keystream bytes consumed so far.
func (rc *RelayCrypto) BytesProcessed() uint64 {
	return rc.processed
}

// BlocksConsumed returns the number of AES counter blocks touched so far.
func (rc *RelayCrypto) BlocksConsumed() uint64 {
	return (rc.processed + aes.BlockSize - 1) / aes.BlockSize
}

// Wipe drops the cipher state and zeroes the digest key.
func (rc *RelayCrypto) Wipe() {
	Wipe(rc.digestKey)
	rc.cipher = nil
	rc.digest.Reset()
}
