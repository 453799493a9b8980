package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"pqtor/pkg/torerr"
)

// HKDF runs HKDF-SHA256 extract-then-expand and returns length bytes.
func HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	return readKDF(hkdf.New(sha256.New, secret, salt, info), length)
}

// HKDFExtract returns the 32-byte pseudorandom key HKDF-Extract(salt, ikm).
func HKDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// HKDFExpand returns length bytes of HKDF-Expand(prk, info).
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	return readKDF(hkdf.Expand(sha256.New, prk, info), length)
}

func readKDF(r io.Reader, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "hkdf"))
	}
	return out, nil
}

// HMAC computes HMAC-SHA256(key, message).
func HMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Circuit key sizes.
const (
	KeyLen         = 16 // AES-128 key
	IVLen          = 16 // initial counter block
	DigestKeyLen   = 8  // Kd
	KeyMaterialLen = KeyLen + KeyLen + IVLen + IVLen + DigestKeyLen // 72
)

// CircuitKeys holds the keying material for one hop of a circuit.
type CircuitKeys struct {
	ForwardKey  [KeyLen]byte // Kf - client -> exit
	BackwardKey [KeyLen]byte // Kb - exit -> client
	ForwardIV   [IVLen]byte  // IVf
	BackwardIV  [IVLen]byte  // IVb
	DigestKey   [DigestKeyLen]byte
}

// DeriveCircuitKeys splits the key material expanded from KEY_SEED:
//
//	Kf (16) | Kb (16) | IVf (16) | IVb (16) | Kd (8)
func DeriveCircuitKeys(keySeed []byte) (*CircuitKeys, error) {
	km, err := HKDFExpand(keySeed, []byte(ProtoID+":key_material"), KeyMaterialLen)
	if err != nil {
		return nil, err
	}
	defer Wipe(km)

	ck := &CircuitKeys{}
	off := 0
	off += copy(ck.ForwardKey[:], km[off:])
	off += copy(ck.BackwardKey[:], km[off:])
	off += copy(ck.ForwardIV[:], km[off:])
	off += copy(ck.BackwardIV[:], km[off:])
	copy(ck.DigestKey[:], km[off:])
	return ck, nil
}

// Wipe zeroes all key material.
func (ck *CircuitKeys) Wipe() {
	Wipe(ck.ForwardKey[:])
	Wipe(ck.BackwardKey[:])
	Wipe(ck.ForwardIV[:])
	Wipe(ck.BackwardIV[:])
	Wipe(ck.DigestKey[:])
}
