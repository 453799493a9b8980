// Package crypto implements the cryptographic operations of the PQ-NTOR onion
// router: the Kyber-512 KEM adapter, HKDF/HMAC helpers, the PQ-NTOR handshake
// and the per-direction AES-128-CTR relay cipher with its running digest.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime"

	"github.com/cloudflare/circl/kem/kyber/kyber512"
	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// Kyber-512 sizes.
const (
	KEMPublicKeyLen  = kyber512.PublicKeySize  // 800
	KEMSecretKeyLen  = kyber512.PrivateKeySize // 1632
	KEMCiphertextLen = kyber512.CiphertextSize // 768
	KEMSharedKeyLen  = kyber512.SharedKeySize  // 32
)

// KEMPublicKey is a packed Kyber-512 public key.
type KEMPublicKey [KEMPublicKeyLen]byte

// KEMSecretKey is a packed Kyber-512 private key.
type KEMSecretKey [KEMSecretKeyLen]byte

// KEMKeypair holds a Kyber-512 keypair.
type KEMKeypair struct {
	Public  KEMPublicKey
	Private KEMSecretKey
}

// Wipe zeroes the private half of the keypair.
func (kp *KEMKeypair) Wipe() {
	Wipe(kp.Private[:])
}

var scheme = kyber512.Scheme()

// GenerateKEMKeypair creates a fresh random Kyber-512 keypair.
func GenerateKEMKeypair() (*KEMKeypair, error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "kyber keygen"))
	}
	return packKeypair(pk, sk)
}

// DeriveKEMKeypair deterministically derives a keypair from a seed of
// scheme.SeedSize() bytes.
func DeriveKEMKeypair(seed []byte) (*KEMKeypair, error) {
	if len(seed) != scheme.SeedSize() {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Errorf("kyber seed length = %d, want %d", len(seed), scheme.SeedSize()))
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	return packKeypair(pk, sk)
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

func packKeypair(pk, sk binaryMarshaler) (*KEMKeypair, error) {
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "marshal kyber public key"))
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "marshal kyber private key"))
	}
	kp := &KEMKeypair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv)
	Wipe(priv)
	return kp, nil
}

// KEMEncapsulate encapsulates a fresh shared secret to pk.
func KEMEncapsulate(pk *KEMPublicKey) (ct, ss []byte, err error) {
	pub, err := scheme.UnmarshalBinaryPublicKey(pk[:])
	if err != nil {
		return nil, nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "unmarshal kyber public key"))
	}
	ct, ss, err = scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "kyber encapsulate"))
	}
	return ct, ss, nil
}

// KEMDecapsulate recovers the shared secret carried by ct.
func KEMDecapsulate(sk *KEMSecretKey, ct []byte) ([]byte, error) {
	if len(ct) != KEMCiphertextLen {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.Errorf("ciphertext length = %d, want %d", len(ct), KEMCiphertextLen))
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(sk[:])
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "unmarshal kyber private key"))
	}
	ss, err := scheme.Decapsulate(priv, ct)
	if err != nil {
		return nil, torerr.Kind(torerr.ErrCrypto, errors.Wrap(err, "kyber decapsulate"))
	}
	return ss, nil
}

// staticKeySeed is mixed with the role name to derive relay static keys.
// Every party is built with the same value, so any of them can recompute a
// relay's public key from its role alone.
var staticKeySeed = []byte("pqtor static identity seed, build 1")

const staticKeySalt = "pq-ntor-static-key"

// StaticKeypair derives the static identity keypair for a relay role.
// The same role always yields the same keypair.
func StaticKeypair(role string) (*KEMKeypair, error) {
	seed, err := HKDF(staticKeySeed, []byte(staticKeySalt), []byte(role), scheme.SeedSize())
	if err != nil {
		return nil, err
	}
	defer Wipe(seed)
	return DeriveKEMKeypair(seed)
}

// IdentityLen is the length of a relay identity tag.
const IdentityLen = sha256.Size

// RelayID is H("pq-ntor" || B).
type RelayID [IdentityLen]byte

// IdentityOf returns the identity tag of the relay holding static key B.
func IdentityOf(b *KEMPublicKey) RelayID {
	h := sha256.New()
	h.Write([]byte("pq-ntor"))
	h.Write(b[:])
	var id RelayID
	copy(id[:], h.Sum(nil))
	return id
}

func (id RelayID) String() string {
	return hex.EncodeToString(id[:])
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
