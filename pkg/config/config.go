// Package config implements the TOML configuration shared by the client,
// relay and directory binaries. Command-line flags are applied on top of the
// loaded file before FixupAndValidate runs.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	defaultRelayAddress     = "127.0.0.1"
	defaultMaxCircuits      = 64
	defaultHandshakeTimeout = 10 * time.Second
	defaultDirectoryAddress = "0.0.0.0"
	defaultDirectoryPort    = 5000
	defaultOriginPort       = 8000
	defaultDirectoryHost    = "127.0.0.1"
	defaultClientTimeout    = 30 * time.Second
	defaultClientHopTimeout = 10 * time.Second
	defaultOriginBody       = "<html><head><title>pqtor</title></head><body>hello from the pq-ntor test origin</body></html>\n"
	maxTCPPort              = 65535
)

// Relay roles.
const (
	RoleGuard  = "guard"
	RoleMiddle = "middle"
	RoleExit   = "exit"
)

// ValidRole reports whether role is one of guard, middle or exit.
func ValidRole(role string) bool {
	switch role {
	case RoleGuard, RoleMiddle, RoleExit:
		return true
	}
	return false
}

// DefaultRelayPort returns the conventional listen port of a role, matching
// the entries the directory seeds in static mode.
func DefaultRelayPort(role string) int {
	switch role {
	case RoleGuard:
		return 6001
	case RoleMiddle:
		return 6002
	case RoleExit:
		return 6003
	}
	return 0
}

// Relay is the relay node configuration.
type Relay struct {
	// Role selects the deterministic static key and, for "exit", enables
	// BEGIN handling.
	Role string

	// Name is the directory record name. Defaults to Role.
	Name string

	// Address is the host the relay listens on and advertises.
	Address string

	// Port is the cell protocol listen port.
	Port int

	// Directory is the host:port of the directory to register with. Empty
	// disables registration.
	Directory string

	// MaxCircuits caps the circuits a single inbound link may carry.
	MaxCircuits int

	// HandshakeTimeout bounds EXTEND2 dial + CREATED2 wait and exit connects.
	HandshakeTimeout time.Duration

	// MetricsAddress, if set, serves Prometheus metrics on host:port.
	MetricsAddress string
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.Name == "" {
		rCfg.Name = rCfg.Role
	}
	if rCfg.Address == "" {
		rCfg.Address = defaultRelayAddress
	}
	if rCfg.Port == 0 {
		rCfg.Port = DefaultRelayPort(rCfg.Role)
	}
	if rCfg.MaxCircuits <= 0 {
		rCfg.MaxCircuits = defaultMaxCircuits
	}
	if rCfg.HandshakeTimeout <= 0 {
		rCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

func (rCfg *Relay) validate() error {
	if !ValidRole(rCfg.Role) {
		return errors.Errorf("config: Relay: Role '%v' is invalid", rCfg.Role)
	}
	if err := validatePort(rCfg.Port, true); err != nil {
		return errors.Wrap(err, "config: Relay: Port")
	}
	if rCfg.Directory != "" {
		if _, _, err := splitHostPort(rCfg.Directory); err != nil {
			return errors.Wrap(err, "config: Relay: Directory")
		}
	}
	return nil
}

// ListenAddress returns the host:port the relay listens on.
func (rCfg *Relay) ListenAddress() string {
	return net.JoinHostPort(rCfg.Address, strconv.Itoa(rCfg.Port))
}

// Directory is the directory service configuration.
type Directory struct {
	// Address is the host both listeners bind to.
	Address string

	// Port is the directory HTTP port.
	Port int

	// HTTPPort is the test origin port.
	HTTPPort int

	// DisableStatic skips pre-seeding guard/middle/exit on
	// 127.0.0.1:6001-6003.
	DisableStatic bool

	// RegistryFile, if set, persists the registry as JSON.
	RegistryFile string

	// MetricsAddress, if set, serves Prometheus metrics on host:port.
	MetricsAddress string

	// OriginBody is the page served by the test origin.
	OriginBody string
}

func (dCfg *Directory) applyDefaults() {
	if dCfg.Address == "" {
		dCfg.Address = defaultDirectoryAddress
	}
	if dCfg.Port == 0 {
		dCfg.Port = defaultDirectoryPort
	}
	if dCfg.HTTPPort == 0 {
		dCfg.HTTPPort = defaultOriginPort
	}
	if dCfg.OriginBody == "" {
		dCfg.OriginBody = defaultOriginBody
	}
}

func (dCfg *Directory) validate() error {
	if err := validatePort(dCfg.Port, true); err != nil {
		return errors.Wrap(err, "config: Directory: Port")
	}
	if err := validatePort(dCfg.HTTPPort, true); err != nil {
		return errors.Wrap(err, "config: Directory: HTTPPort")
	}
	return nil
}

// Client is the circuit-building client configuration.
type Client struct {
	DirectoryHost string
	DirectoryPort int

	// URL is the http:// URL fetched through the circuit.
	URL string

	// Timeout bounds the whole run; HopTimeout bounds each handshake.
	Timeout    time.Duration
	HopTimeout time.Duration

	// Output is the results file; CSV unless it ends in .json.
	Output string
}

func (cCfg *Client) applyDefaults() {
	if cCfg.DirectoryHost == "" {
		cCfg.DirectoryHost = defaultDirectoryHost
	}
	if cCfg.DirectoryPort == 0 {
		cCfg.DirectoryPort = defaultDirectoryPort
	}
	if cCfg.Timeout <= 0 {
		cCfg.Timeout = defaultClientTimeout
	}
	if cCfg.HopTimeout <= 0 {
		cCfg.HopTimeout = defaultClientHopTimeout
	}
}

func (cCfg *Client) validate() error {
	if err := validatePort(cCfg.DirectoryPort, false); err != nil {
		return errors.Wrap(err, "config: Client: DirectoryPort")
	}
	if cCfg.URL == "" {
		return errors.New("config: Client: URL is required")
	}
	u, err := url.Parse(cCfg.URL)
	if err != nil {
		return errors.Wrap(err, "config: Client: URL")
	}
	if u.Scheme != "http" || u.Host == "" {
		return errors.Errorf("config: Client: URL '%v' must be an http:// URL with a host", cCfg.URL)
	}
	return nil
}

// DirectoryAddress returns host:port of the directory.
func (cCfg *Client) DirectoryAddress() string {
	return net.JoinHostPort(cCfg.DirectoryHost, strconv.Itoa(cCfg.DirectoryPort))
}

// Logging is the logging configuration.
type Logging struct {
	// File specifies the log file; if omitted stderr is used.
	File string

	// Debug enables debug level and the development encoder.
	Debug bool
}

// Config is the top level configuration. Each binary requires its own
// section; the others are ignored.
type Config struct {
	Relay     *Relay
	Directory *Directory
	Client    *Client
	Logging   *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Relay == nil && cfg.Directory == nil && cfg.Client == nil {
		return errors.New("config: No Relay, Directory or Client block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Relay != nil {
		cfg.Relay.applyDefaults()
		if err := cfg.Relay.validate(); err != nil {
			return err
		}
	}
	if cfg.Directory != nil {
		cfg.Directory.applyDefaults()
		if err := cfg.Directory.validate(); err != nil {
			return err
		}
	}
	if cfg.Client != nil {
		cfg.Client.applyDefaults()
		if err := cfg.Client.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses the provided buffer b as a config file body. It does not
// validate, so flags can still be applied before FixupAndValidate.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: nil buffer")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, errors.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	return cfg, nil
}

// LoadFile reads the provided file. An empty path yields an empty Config.
func LoadFile(f string) (*Config, error) {
	if f == "" {
		return new(Config), nil
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Load(b)
}

func validatePort(port int, allowZero bool) error {
	if port < 0 || port > maxTCPPort || (port == 0 && !allowZero) {
		return errors.Errorf("port %d out of range", port)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.Wrapf(err, "port of %q", addr)
	}
	if err := validatePort(port, false); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
