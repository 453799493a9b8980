package stream

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqtor/pkg/cell"
	"pqtor/pkg/channel"
	"pqtor/pkg/circuit"
	"pqtor/pkg/crypto"
	"pqtor/pkg/directory"
	"pqtor/pkg/onion"
)

// fakeExit is a one-hop circuit whose relay answers BEGIN and upper-cases
// DATA. BEGIN to "refuse:1" is answered with END.
type fakeExit struct {
	relay *channel.Channel
	layer *onion.Layer
}

func newCircuit(t *testing.T) (*circuit.Circuit, *fakeExit) {
	t.Helper()
	a, b := net.Pipe()
	client, relay := channel.New(a), channel.New(b)
	t.Cleanup(func() {
		client.Close()
		relay.Close()
	})

	router, err := directory.StaticRouter("exit", "exit", "127.0.0.1", 6003)
	require.NoError(t, err)
	kp, err := crypto.StaticKeypair("exit")
	require.NoError(t, err)
	srv := crypto.NewPQNtorServer(kp)

	circ := circuit.New(client)
	done := make(chan error, 1)
	go func() { done <- circ.Create(context.Background(), router, time.Second) }()

	msg, err := relay.RecvCell()
	require.NoError(t, err)
	create, err := cell.ParseCreate2(msg.Payload)
	require.NoError(t, err)
	reply, res, err := srv.Respond(create.HData)
	require.NoError(t, err)
	keys, err := res.Keys()
	require.NoError(t, err)
	layer, err := onion.NewLayer(keys)
	require.NoError(t, err)
	require.NoError(t, relay.SendCell(&cell.Cell{CircID: msg.CircID, Command: cell.CommandCreated2, Payload: cell.EncodeCreated2(reply)}))
	require.NoError(t, <-done)

	fe := &fakeExit{relay: relay, layer: layer}
	go fe.serve()
	return circ, fe
}

func (fe *fakeExit) send(cmd cell.RelayCommand, streamID uint16, data []byte) error {
	rc := &cell.RelayCell{Command: cmd, StreamID: streamID, Data: data}
	body, err := rc.Encode()
	if err != nil {
		return err
	}
	if err := fe.layer.SealBackward(body); err != nil {
		return err
	}
	return fe.relay.SendCell(&cell.Cell{CircID: circuit.DefaultCircID, Command: cell.CommandRelay, Payload: body})
}

func (fe *fakeExit) serve() {
	for {
		msg, err := fe.relay.RecvCell()
		if err != nil {
			return
		}
		if msg.Command != cell.CommandRelay || !fe.layer.PeelForward(msg.Payload) {
			return
		}
		rc, err := cell.DecodeRelayCell(msg.Payload)
		if err != nil {
			return
		}
		switch rc.Command {
		case cell.RelayBegin:
			if string(rc.Data) == "refuse:1" {
				err = fe.send(cell.RelayEnd, rc.StreamID, []byte{byte(cell.EndReasonConnectRefused)})
			} else {
				err = fe.send(cell.RelayConnected, rc.StreamID, nil)
			}
		case cell.RelayData:
			if string(rc.Data) == "bye" {
				err = fe.send(cell.RelayEnd, rc.StreamID, []byte{byte(cell.EndReasonDone)})
			} else {
				err = fe.send(cell.RelayData, rc.StreamID, bytes.ToUpper(rc.Data))
			}
		}
		if err != nil {
			return
		}
	}
}

func TestOpenStreamAndEcho(t *testing.T) {
	circ, _ := newCircuit(t)
	m := NewManager(circ)

	s, err := m.OpenStream(context.Background(), "127.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), s.StreamID())

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(buf[:n]))

	_, err = s.Write([]byte("bye"))
	require.NoError(t, err)
	n, err = s.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, cell.EndReasonDone, s.EndReason())

	// Remote END already closed the stream; Close sends nothing.
	assert.NoError(t, s.Close())
	_, err = s.Write([]byte("late"))
	assert.Error(t, err)
}

func TestWriteSplitsCells(t *testing.T) {
	circ, _ := newCircuit(t)
	m := NewManager(circ)
	s, err := m.OpenStream(context.Background(), "127.0.0.1:8000")
	require.NoError(t, err)

	payload := strings.Repeat("a", 2*cell.MaxRelayDataLen+10)
	n, err := s.Write([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(s, got)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(payload), string(got))
}

func TestOpenStreamRejected(t *testing.T) {
	circ, _ := newCircuit(t)
	m := NewManager(circ)

	_, err := m.OpenStream(context.Background(), "refuse:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect_refused")

	// IDs keep increasing after a rejected stream.
	s, err := m.OpenStream(context.Background(), "127.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), s.StreamID())
}

func TestReadDeadline(t *testing.T) {
	circ, _ := newCircuit(t)
	m := NewManager(circ)
	s, err := m.OpenStream(context.Background(), "127.0.0.1:8000")
	require.NoError(t, err)

	_, err = s.ReadWithDeadline(make([]byte, 1), time.Now().Add(50*time.Millisecond))
	assert.Error(t, err)
}

func TestCircuitDestroyedFailsStreams(t *testing.T) {
	circ, fe := newCircuit(t)
	m := NewManager(circ)
	s, err := m.OpenStream(context.Background(), "127.0.0.1:8000")
	require.NoError(t, err)

	// Closing the link ends the read loop.
	fe.relay.Close()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.Error(t, m.Err())
	_, err = s.Read(make([]byte, 1))
	assert.Error(t, err)
	_, err = m.OpenStream(context.Background(), "127.0.0.1:8000")
	assert.Error(t, err)
}
