package circuit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqtor/pkg/cell"
	"pqtor/pkg/channel"
	"pqtor/pkg/crypto"
	"pqtor/pkg/directory"
	"pqtor/pkg/onion"
	"pqtor/pkg/torerr"
)

func pipe(t *testing.T) (client, relay *channel.Channel) {
	t.Helper()
	a, b := net.Pipe()
	client, relay = channel.New(a), channel.New(b)
	t.Cleanup(func() {
		client.Close()
		relay.Close()
	})
	return client, relay
}

func hop(t *testing.T, role string, port uint16) (*directory.Router, *crypto.PQNtorServer) {
	t.Helper()
	r, err := directory.StaticRouter(role, role, "127.0.0.1", port)
	require.NoError(t, err)
	kp, err := crypto.StaticKeypair(role)
	require.NoError(t, err)
	return r, crypto.NewPQNtorServer(kp)
}

// respond runs the relay side of a handshake carried in a CREATE2 payload.
func respond(t *testing.T, srv *crypto.PQNtorServer, payload []byte) ([]byte, *onion.Layer) {
	t.Helper()
	create, err := cell.ParseCreate2(payload)
	require.NoError(t, err)
	require.Equal(t, cell.HTypePQNtor, create.HType)
	reply, res, err := srv.Respond(create.HData)
	require.NoError(t, err)
	keys, err := res.Keys()
	require.NoError(t, err)
	layer, err := onion.NewLayer(keys)
	require.NoError(t, err)
	return reply, layer
}

func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func TestCreateAndRelay(t *testing.T) {
	client, relay := pipe(t)
	guard, srv := hop(t, "guard", 6001)
	circ := New(client)

	done := async(func() error { return circ.Create(context.Background(), guard, time.Second) })

	create, err := relay.RecvCell()
	require.NoError(t, err)
	assert.Equal(t, cell.CommandCreate2, create.Command)
	assert.Equal(t, DefaultCircID, create.CircID)

	reply, layer := respond(t, srv, create.Payload)
	require.NoError(t, relay.SendCell(&cell.Cell{CircID: create.CircID, Command: cell.CommandCreated2, Payload: cell.EncodeCreated2(reply)}))
	require.NoError(t, <-done)
	assert.Equal(t, 1, circ.Len())

	// Client to guard.
	done = async(func() error { return circ.SendRelayData(3, []byte("ping")) })
	msg, err := relay.RecvCell()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.True(t, layer.PeelForward(msg.Payload))
	rc, err := cell.DecodeRelayCell(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, cell.RelayData, rc.Command)
	assert.Equal(t, uint16(3), rc.StreamID)
	assert.Equal(t, "ping", string(rc.Data))

	// Guard to client.
	back := &cell.RelayCell{Command: cell.RelayData, StreamID: 3, Data: []byte("pong")}
	body, err := back.Encode()
	require.NoError(t, err)
	require.NoError(t, layer.SealBackward(body))
	done = async(func() error {
		return relay.SendCell(&cell.Cell{CircID: DefaultCircID, Command: cell.CommandRelay, Payload: body})
	})
	got, err := circ.RecvRelayCell()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "pong", string(got.Data))
}

func TestCreateTamperedAuth(t *testing.T) {
	client, relay := pipe(t)
	guard, srv := hop(t, "guard", 6001)
	circ := New(client)

	done := async(func() error { return circ.Create(context.Background(), guard, time.Second) })

	create, err := relay.RecvCell()
	require.NoError(t, err)
	reply, _ := respond(t, srv, create.Payload)
	reply[len(reply)-1] ^= 0x01
	require.NoError(t, relay.SendCell(&cell.Cell{CircID: create.CircID, Command: cell.CommandCreated2, Payload: cell.EncodeCreated2(reply)}))

	err = <-done
	require.Error(t, err)
	assert.Equal(t, "handshake_auth_failed", torerr.Code(err))
	assert.Equal(t, 0, circ.Len())
}

func TestCreateDestroyed(t *testing.T) {
	for _, tt := range []struct {
		reason cell.DestroyReason
		code   string
	}{
		{cell.DestroyReasonProtocol, "circuit_destroyed"},
		{cell.DestroyReasonResourceLimit, "resource_exhausted"},
	} {
		t.Run(tt.reason.String(), func(t *testing.T) {
			client, relay := pipe(t)
			guard, _ := hop(t, "guard", 6001)
			circ := New(client)

			done := async(func() error { return circ.Create(context.Background(), guard, time.Second) })
			create, err := relay.RecvCell()
			require.NoError(t, err)
			require.NoError(t, relay.SendCell(cell.NewDestroy(create.CircID, tt.reason)))

			err = <-done
			assert.Equal(t, tt.code, torerr.Code(err))
		})
	}
}

func TestCreateTimeout(t *testing.T) {
	client, relay := pipe(t)
	guard, _ := hop(t, "guard", 6001)
	circ := New(client)

	done := async(func() error { return circ.Create(context.Background(), guard, 100*time.Millisecond) })
	_, err := relay.RecvCell()
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	assert.Equal(t, "handshake_timeout", torerr.Code(err))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done = async(func() error { return circ.Create(ctx, guard, time.Minute) })
	_, err = relay.RecvCell()
	require.NoError(t, err)
	assert.Equal(t, "timeout", torerr.Code(<-done))
}

func TestExtend(t *testing.T) {
	client, relay := pipe(t)
	guard, guardSrv := hop(t, "guard", 6001)
	middle, middleSrv := hop(t, "middle", 6002)
	circ := New(client)

	done := async(func() error { return circ.Create(context.Background(), guard, time.Second) })
	create, err := relay.RecvCell()
	require.NoError(t, err)
	reply, guardLayer := respond(t, guardSrv, create.Payload)
	require.NoError(t, relay.SendCell(&cell.Cell{CircID: DefaultCircID, Command: cell.CommandCreated2, Payload: cell.EncodeCreated2(reply)}))
	require.NoError(t, <-done)

	done = async(func() error { return circ.Extend(context.Background(), middle, time.Second) })
	msg, err := relay.RecvCell()
	require.NoError(t, err)
	require.True(t, guardLayer.PeelForward(msg.Payload))
	rc, err := cell.DecodeRelayCell(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, cell.RelayExtend2, rc.Command)
	ext, err := cell.ParseExtend2(rc.Data)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6002", ext.Addr())

	reply, middleLayer := respond(t, middleSrv, ext.Create2.Encode())
	extended := &cell.RelayCell{Command: cell.RelayExtended2, Data: cell.EncodeCreated2(reply)}
	body, err := extended.Encode()
	require.NoError(t, err)
	require.NoError(t, guardLayer.SealBackward(body))
	require.NoError(t, relay.SendCell(&cell.Cell{CircID: DefaultCircID, Command: cell.CommandRelay, Payload: body}))
	require.NoError(t, <-done)
	assert.Equal(t, 2, circ.Len())

	// Data for the new last hop passes the guard unrecognized.
	done = async(func() error { return circ.SendRelayData(1, []byte("to middle")) })
	msg, err = relay.RecvCell()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.False(t, guardLayer.PeelForward(msg.Payload))
	require.True(t, middleLayer.PeelForward(msg.Payload))
	rc, err = cell.DecodeRelayCell(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "to middle", string(rc.Data))
}

func TestExtendBeforeCreate(t *testing.T) {
	client, _ := pipe(t)
	middle, _ := hop(t, "middle", 6002)
	err := New(client).Extend(context.Background(), middle, time.Second)
	assert.ErrorIs(t, err, torerr.ErrProtocol)
}

func TestDestroy(t *testing.T) {
	client, relay := pipe(t)
	circ := New(client)

	done := async(circ.Destroy)
	msg, err := relay.RecvCell()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, cell.CommandDestroy, msg.Command)
	assert.Equal(t, cell.DestroyReasonFinished, cell.DestroyReasonOf(msg))

	// Second call sends nothing.
	assert.NoError(t, circ.Destroy())
	assert.Error(t, circ.SendRelayData(1, nil))
}
