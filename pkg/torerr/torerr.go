// Package torerr defines the error kinds shared by every node role and the
// reason codes the client reports for them.
//
// Errors are wrapped with github.com/pkg/errors as they travel up the stack;
// Code walks the chain and returns the reason code of the first kind found.
package torerr

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// Error kinds.
var (
	ErrCrypto               = errors.New("crypto primitive failed")
	ErrHandshakeMalformed   = errors.New("handshake message malformed")
	ErrHandshakeAuthFailed  = errors.New("handshake authentication failed")
	ErrHandshakeTimeout     = errors.New("handshake timed out")
	ErrProtocol             = errors.New("protocol violation")
	ErrOnionAuthFailed      = errors.New("relay cell digest mismatch")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrInsufficientRelays   = errors.New("directory lists fewer than three relays")
	ErrTransport            = errors.New("transport failure")
	ErrResourceExhausted    = errors.New("resource limit reached")
	ErrCircuitDestroyed     = errors.New("circuit destroyed")
	ErrStreamRejected       = errors.New("stream rejected")
	ErrTimeout              = errors.New("operation timed out")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrHandshakeAuthFailed, "handshake_auth_failed"},
	{ErrHandshakeMalformed, "handshake_malformed"},
	{ErrHandshakeTimeout, "handshake_timeout"},
	{ErrCrypto, "crypto_error"},
	{ErrOnionAuthFailed, "onion_auth_failed"},
	{ErrProtocol, "protocol_error"},
	{ErrInsufficientRelays, "directory_insufficient_relays"},
	{ErrDirectoryUnavailable, "directory_unavailable"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrCircuitDestroyed, "circuit_destroyed"},
	{ErrStreamRejected, "stream_rejected"},
	{ErrTimeout, "timeout"},
}

// Code returns the snake_case reason code for err, or "internal_error" when
// err carries no known kind. A nil error yields "ok".
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	// A transport failure caused by an expired deadline is a timeout.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrTransport) {
		return "transport_error"
	}
	return "internal_error"
}

// Kind wraps err so that it classifies as kind while keeping err's message.
// It returns nil when err is nil.
func Kind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
