package torerr

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrHandshakeAuthFailed, "handshake_auth_failed"},
		{errors.Wrap(ErrHandshakeAuthFailed, "create to guard"), "handshake_auth_failed"},
		{errors.Wrap(errors.Wrap(ErrDirectoryUnavailable, "fetch"), "bootstrap"), "directory_unavailable"},
		{errors.Wrap(ErrInsufficientRelays, "select path"), "directory_insufficient_relays"},
		{Kind(ErrTransport, io.ErrUnexpectedEOF), "transport_error"},
		{errors.Wrap(context.DeadlineExceeded, "build"), "timeout"},
		{Kind(ErrTransport, os.ErrDeadlineExceeded), "timeout"},
		{Kind(ErrHandshakeTimeout, os.ErrDeadlineExceeded), "handshake_timeout"},
		{io.EOF, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "Code(%v)", tt.err)
	}
}

func TestKindKeepsBothChains(t *testing.T) {
	err := Kind(ErrProtocol, io.ErrUnexpectedEOF)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "protocol violation")
	assert.Nil(t, Kind(ErrProtocol, nil))
}
