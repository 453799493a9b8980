package crypto

import (
	"crypto/hmac"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// PQ-NTOR constants.
const (
	ProtoID    = "pq-ntor-kyber512-v1"
	tKeySeed   = ProtoID + ":key_seed"
	tVerify    = ProtoID + ":verify"
	authSuffix = "Server"

	KeySeedLen = 32
	AuthLen    = 32

	// ClientMessageLen is ID | X.
	ClientMessageLen = IdentityLen + KEMPublicKeyLen // 832
	// ServerMessageLen is C1 | C2 | AUTH.
	ServerMessageLen = KEMCiphertextLen + KEMCiphertextLen + AuthLen // 1568
)

// PQNtorClientHandshake holds the state of a client-side PQ-NTOR handshake
// with one relay.
type PQNtorClientHandshake struct {
	keypair  *KEMKeypair // (x, X)
	serverID RelayID
	serverPK KEMPublicKey // B
}

// PQNtorResult holds the outcome of a completed handshake.
type PQNtorResult struct {
	KeySeed [KeySeedLen]byte
	Auth    [AuthLen]byte
}

// Keys expands the circuit keys from the handshake result.
func (r *PQNtorResult) Keys() (*CircuitKeys, error) {
	return DeriveCircuitKeys(r.KeySeed[:])
}

// Wipe zeroes the key seed.
func (r *PQNtorResult) Wipe() {
	Wipe(r.KeySeed[:])
}

// NewPQNtorClientHandshake starts a handshake towards the relay whose static
// public key is serverPK.
func NewPQNtorClientHandshake(serverPK *KEMPublicKey) (*PQNtorClientHandshake, error) {
	kp, err := GenerateKEMKeypair()
	if err != nil {
		return nil, err
	}
	return &PQNtorClientHandshake{
		keypair:  kp,
		serverID: IdentityOf(serverPK),
		serverPK: *serverPK,
	}, nil
}

// ClientHandshakeData returns message 1: ID (32) | X (800).
func (h *PQNtorClientHandshake) ClientHandshakeData() []byte {
	data := make([]byte, 0, ClientMessageLen)
	data = append(data, h.serverID[:]...)
	data = append(data, h.keypair.Public[:]...)
	return data
}

// Wipe zeroes the ephemeral secret x. Complete does this itself; Wipe is
// for handshakes abandoned before a reply arrived.
func (h *PQNtorClientHandshake) Wipe() {
	h.keypair.Wipe()
}

// Complete processes message 2 (C1 | C2 | AUTH), verifies AUTH and returns
// the shared key seed. The ephemeral secret is wiped whatever the outcome.
func (h *PQNtorClientHandshake) Complete(serverData []byte) (*PQNtorResult, error) {
	defer h.keypair.Wipe()

	if len(serverData) != ServerMessageLen {
		return nil, torerr.Kind(torerr.ErrHandshakeMalformed,
			errors.Errorf("server handshake data length = %d, want %d", len(serverData), ServerMessageLen))
	}
	c1 := serverData[:KEMCiphertextLen]
	c2 := serverData[KEMCiphertextLen : 2*KEMCiphertextLen]
	serverAuth := serverData[2*KEMCiphertextLen:]

	ssEph, err := KEMDecapsulate(&h.keypair.Private, c1)
	if err != nil {
		return nil, err
	}
	defer Wipe(ssEph)

	t := &transcript{
		ssEph: ssEph,
		id:    h.serverID,
		b:     &h.serverPK,
		x:     &h.keypair.Public,
		c1:    c1,
		c2:    c2,
	}
	result, err := t.derive()
	if err != nil {
		return nil, err
	}

	if !hmac.Equal(result.Auth[:], serverAuth) {
		result.Wipe()
		return nil, errors.WithStack(torerr.ErrHandshakeAuthFailed)
	}
	return result, nil
}

// PQNtorServer answers handshakes on behalf of a relay's static keypair.
type PQNtorServer struct {
	keypair *KEMKeypair
	id      RelayID
}

// NewPQNtorServer wraps the relay's static keypair (b, B).
func NewPQNtorServer(kp *KEMKeypair) *PQNtorServer {
	return &PQNtorServer{keypair: kp, id: IdentityOf(&kp.Public)}
}

// ID returns the relay identity tag.
func (s *PQNtorServer) ID() RelayID {
	return s.id
}

// PublicKey returns B.
func (s *PQNtorServer) PublicKey() *KEMPublicKey {
	return &s.keypair.Public
}

// Respond processes message 1 and returns message 2 with the derived result.
func (s *PQNtorServer) Respond(clientData []byte) ([]byte, *PQNtorResult, error) {
	if len(clientData) != ClientMessageLen {
		return nil, nil, torerr.Kind(torerr.ErrHandshakeMalformed,
			errors.Errorf("client handshake data length = %d, want %d", len(clientData), ClientMessageLen))
	}
	if !hmac.Equal(clientData[:IdentityLen], s.id[:]) {
		return nil, nil, torerr.Kind(torerr.ErrHandshakeMalformed, errors.New("handshake addressed to another relay"))
	}
	var x KEMPublicKey
	copy(x[:], clientData[IdentityLen:])

	c1, ssEph, err := KEMEncapsulate(&x)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(ssEph)

	// C2 binds B into the transcript. The client cannot decapsulate it, so
	// its shared secret takes no part in the key schedule.
	c2, ssStatic, err := KEMEncapsulate(&s.keypair.Public)
	if err != nil {
		return nil, nil, err
	}
	Wipe(ssStatic)

	t := &transcript{
		ssEph: ssEph,
		id:    s.id,
		b:     &s.keypair.Public,
		x:     &x,
		c1:    c1,
		c2:    c2,
	}
	result, err := t.derive()
	if err != nil {
		return nil, nil, err
	}

	reply := make([]byte, 0, ServerMessageLen)
	reply = append(reply, c1...)
	reply = append(reply, c2...)
	reply = append(reply, result.Auth[:]...)
	return reply, result, nil
}

type transcript struct {
	ssEph  []byte
	id     RelayID
	b, x   *KEMPublicKey
	c1, c2 []byte
}

func (t *transcript) derive() (*PQNtorResult, error) {
	// secret_input = ss_eph | ID | B | X | C1 | C2 | PROTOID
	secretInput := make([]byte, 0, KEMSharedKeyLen+IdentityLen+2*KEMPublicKeyLen+2*KEMCiphertextLen+len(ProtoID))
	secretInput = append(secretInput, t.ssEph...)
	secretInput = append(secretInput, t.id[:]...)
	secretInput = append(secretInput, t.b[:]...)
	secretInput = append(secretInput, t.x[:]...)
	secretInput = append(secretInput, t.c1...)
	secretInput = append(secretInput, t.c2...)
	secretInput = append(secretInput, []byte(ProtoID)...)
	defer Wipe(secretInput)

	keySeed := HKDFExtract([]byte(tKeySeed), secretInput)
	defer Wipe(keySeed)

	verify, err := HKDFExpand(keySeed, []byte(tVerify), 32)
	if err != nil {
		return nil, err
	}
	defer Wipe(verify)

	// auth_input = VERIFY | ID | B | C1 | C2 | X | PROTOID | "Server"
	authInput := make([]byte, 0, len(verify)+IdentityLen+2*KEMPublicKeyLen+2*KEMCiphertextLen+len(ProtoID)+len(authSuffix))
	authInput = append(authInput, verify...)
	authInput = append(authInput, t.id[:]...)
	authInput = append(authInput, t.b[:]...)
	authInput = append(authInput, t.c1...)
	authInput = append(authInput, t.c2...)
	authInput = append(authInput, t.x[:]...)
	authInput = append(authInput, []byte(ProtoID)...)
	authInput = append(authInput, []byte(authSuffix)...)

	var result PQNtorResult
	copy(result.KeySeed[:], keySeed)
	copy(result.Auth[:], HMAC(keySeed, authInput))
	return &result, nil
}
