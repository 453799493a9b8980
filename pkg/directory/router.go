// Package directory implements the relay directory: the registry of live
// relays, its HTTP server and client, the bundled test origin and path
// selection.
package directory

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"pqtor/pkg/config"
	"pqtor/pkg/crypto"
)

// Router represents a relay listed in the directory.
type Router struct {
	Name      string
	Role      string // guard, middle or exit
	Host      string
	Port      uint16
	PublicKey crypto.KEMPublicKey // static B
}

// Addr returns host:port of the relay's cell listener.
func (r *Router) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ID returns the relay identity tag derived from B.
func (r *Router) ID() crypto.RelayID {
	return crypto.IdentityOf(&r.PublicKey)
}

// IsGuard returns true if the router advertises the guard role.
func (r *Router) IsGuard() bool { return r.Role == config.RoleGuard }

// IsMiddle returns true if the router advertises the middle role.
func (r *Router) IsMiddle() bool { return r.Role == config.RoleMiddle }

// IsExit returns true if the router advertises the exit role.
func (r *Router) IsExit() bool { return r.Role == config.RoleExit }

// record is the JSON form served by GET /relays and accepted by
// POST /register.
type record struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	PublicKeyHex string `json:"public_key_B_hex"`
}

// MarshalJSON implements json.Marshaler.
func (r *Router) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		Name:         r.Name,
		Role:         r.Role,
		Host:         r.Host,
		Port:         int(r.Port),
		PublicKeyHex: hex.EncodeToString(r.PublicKey[:]),
	})
}

// UnmarshalJSON implements json.Unmarshaler and validates the record.
func (r *Router) UnmarshalJSON(b []byte) error {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return errors.Wrap(err, "decode relay record")
	}
	parsed, err := rec.router()
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

func (rec *record) router() (*Router, error) {
	if rec.Name == "" {
		return nil, errors.New("relay record has empty name")
	}
	if !config.ValidRole(rec.Role) {
		return nil, errors.Errorf("relay record %q has unknown role %q", rec.Name, rec.Role)
	}
	if rec.Host == "" {
		return nil, errors.Errorf("relay record %q has empty host", rec.Name)
	}
	if rec.Port <= 0 || rec.Port > 65535 {
		return nil, errors.Errorf("relay record %q has invalid port %d", rec.Name, rec.Port)
	}
	key, err := hex.DecodeString(rec.PublicKeyHex)
	if err != nil {
		return nil, errors.Wrapf(err, "relay record %q public key", rec.Name)
	}
	if len(key) != crypto.KEMPublicKeyLen {
		return nil, errors.Errorf("relay record %q public key length = %d, want %d", rec.Name, len(key), crypto.KEMPublicKeyLen)
	}
	r := &Router{
		Name: rec.Name,
		Role: rec.Role,
		Host: rec.Host,
		Port: uint16(rec.Port),
	}
	copy(r.PublicKey[:], key)
	return r, nil
}

// StaticRouter returns the record of a relay whose key is derived from its
// role.
func StaticRouter(name, role, host string, port uint16) (*Router, error) {
	kp, err := crypto.StaticKeypair(role)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	return &Router{Name: name, Role: role, Host: host, Port: port, PublicKey: kp.Public}, nil
}
