package tor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pqtor/pkg/cell"
	"pqtor/pkg/config"
	"pqtor/pkg/directory"
	"pqtor/pkg/relay"
	"pqtor/pkg/torerr"
)

const hopTimeout = 3 * time.Second

func TestParseURL(t *testing.T) {
	tests := []struct {
		url    string
		target string
		path   string
		host   string
		err    bool
	}{
		{"http://127.0.0.1:8000/index.html", "127.0.0.1:8000", "/index.html", "127.0.0.1:8000", false},
		{"http://example.com", "example.com:80", "/", "example.com", false},
		{"http://example.com/a/b?q=1", "example.com:80", "/a/b?q=1", "example.com", false},
		{"http://[::1]:8080/", "[::1]:8080", "/", "[::1]:8080", false},
		{"https://example.com/", "", "", "", true},
		{"http:///nohost", "", "", "", true},
		{"::bad", "", "", "", true},
	}

	for _, tt := range tests {
		target, path, host, err := parseURL(tt.url)
		if tt.err {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.target, target, tt.url)
		assert.Equal(t, tt.path, path, tt.url)
		assert.Equal(t, tt.host, host, tt.url)
	}
}

// network is a directory, an origin and any relays started for a test.
type network struct {
	t       *testing.T
	ctx     context.Context
	reg     *directory.Registry
	dirPort int
	origin  string
	relays  map[string]*relay.Relay
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func newNetwork(t *testing.T, body string) *network {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var stops []<-chan error
	t.Cleanup(func() {
		cancel()
		for _, done := range stops {
			<-done
		}
	})
	serve := func(fn func() error) {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		stops = append(stops, done)
	}

	n := &network{
		t:      t,
		ctx:    ctx,
		reg:    directory.NewRegistry(""),
		relays: make(map[string]*relay.Relay),
	}

	dirLn := listen(t)
	n.dirPort = dirLn.Addr().(*net.TCPAddr).Port
	srv := directory.NewServer(n.reg, zap.NewNop())
	serve(func() error { return srv.Serve(ctx, dirLn) })

	originLn := listen(t)
	n.origin = "http://" + originLn.Addr().String() + "/index.html"
	serve(func() error { return directory.NewOrigin(body).Serve(ctx, originLn) })

	for _, role := range []string{config.RoleGuard, config.RoleMiddle, config.RoleExit} {
		r, err := relay.New(relay.Config{Role: role, MaxCircuits: 8, HandshakeTimeout: hopTimeout}, zap.NewNop())
		require.NoError(t, err)
		ln := listen(t)
		serve(func() error { return r.Serve(ctx, ln) })
		n.relays[role] = r
		n.register(r, ln.Addr().String())
	}
	return n
}

// register advertises r at addr through the directory's HTTP API.
func (n *network) register(r *relay.Relay, addr string) {
	n.t.Helper()
	router, err := r.Router(addr)
	require.NoError(n.t, err)
	dir := directory.NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(n.dirPort)))
	require.NoError(n.t, dir.Register(n.ctx, router))
}

func (n *network) client(out io.Writer) *Client {
	return NewClient(&config.Client{
		DirectoryHost: "127.0.0.1",
		DirectoryPort: n.dirPort,
		Timeout:       15 * time.Second,
		HopTimeout:    hopTimeout,
	}, out, zap.NewNop())
}

// releaseTimeout bounds how long relays may hold a circuit after its
// teardown reached them.
const releaseTimeout = 100 * time.Millisecond

func (n *network) requireNoCircuits() {
	n.t.Helper()
	assert.Eventually(n.t, func() bool {
		for _, r := range n.relays {
			if r.OpenCircuits() != 0 {
				return false
			}
		}
		return true
	}, releaseTimeout, 5*time.Millisecond)
}

func TestGetHappyPath(t *testing.T) {
	n := newNetwork(t, "hello")
	var out bytes.Buffer

	res, err := n.client(&out).Get(context.Background(), n.origin)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello", string(res.Body))
	assert.Len(t, res.Body, 5)
	assert.Len(t, res.HopTimes, 3)
	assert.Equal(t, "guard", res.Path.Guard.Name)
	assert.Equal(t, "exit", res.Path.Exit.Name)
	assert.True(t, res.TotalTime >= res.CircuitTime)

	progress := out.String()
	assert.Contains(t, progress, "[1/4] Fetching directory")
	assert.Contains(t, progress, "3-hop circuit established")
	assert.Contains(t, progress, "[4/4] Closing circuit")

	n.requireNoCircuits()
}

func TestGetLargeBody(t *testing.T) {
	// Many DATA cells in both directions exercise the per-hop counters and
	// running digests over real links.
	body := strings.Repeat("0123456789abcdef", 64<<10)
	n := newNetwork(t, body)

	res, err := n.client(nil).Get(context.Background(), n.origin)
	require.NoError(t, err)
	assert.Equal(t, len(body), len(res.Body))
	assert.True(t, bytes.Equal([]byte(body), res.Body))
	n.requireNoCircuits()
}

func TestGetInsufficientRelays(t *testing.T) {
	reg := directory.NewRegistry("")
	for _, role := range []string{config.RoleGuard, config.RoleMiddle} {
		r, err := directory.StaticRouter(role, role, "127.0.0.1", uint16(config.DefaultRelayPort(role)))
		require.NoError(t, err)
		_, err = reg.Upsert(r)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln := listen(t)
	done := make(chan error, 1)
	go func() { done <- directory.NewServer(reg, zap.NewNop()).Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	c := NewClient(&config.Client{
		DirectoryHost: "127.0.0.1",
		DirectoryPort: ln.Addr().(*net.TCPAddr).Port,
		Timeout:       5 * time.Second,
		HopTimeout:    hopTimeout,
	}, nil, zap.NewNop())
	res, err := c.Get(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.Equal(t, "directory_insufficient_relays", torerr.Code(err))
	assert.Nil(t, res.Path)
}

func TestGetDirectoryUnavailable(t *testing.T) {
	ln := listen(t)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewClient(&config.Client{
		DirectoryHost: "127.0.0.1",
		DirectoryPort: port,
		Timeout:       5 * time.Second,
		HopTimeout:    hopTimeout,
	}, nil, zap.NewNop())
	_, err := c.Get(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.Equal(t, "directory_unavailable", torerr.Code(err))
}

// tamperProxy relays a link to upstream and flips the last byte of the
// CREATED2 AUTH on its way back.
func tamperProxy(t *testing.T, upstream string) string {
	t.Helper()
	ln := listen(t)
	t.Cleanup(func() { ln.Close() })
	go func() {
		down, err := ln.Accept()
		if err != nil {
			return
		}
		defer down.Close()
		up, err := net.Dial("tcp", upstream)
		if err != nil {
			return
		}
		defer up.Close()
		go io.Copy(up, down)
		for {
			c, err := cell.Decode(up)
			if err != nil {
				return
			}
			if c.Command == cell.CommandCreated2 {
				hdata, err := cell.ParseCreated2(c.Payload)
				if err != nil {
					return
				}
				hdata[len(hdata)-1] ^= 0x01
				c.Payload = cell.EncodeCreated2(hdata)
			}
			if err := c.Encode(down); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestGetTamperedCreated2(t *testing.T) {
	n := newNetwork(t, "hello")
	n.register(n.relays[config.RoleGuard], tamperProxy(t, lookup(t, n, config.RoleGuard)))

	var out bytes.Buffer
	res, err := n.client(&out).Get(context.Background(), n.origin)
	require.Error(t, err)
	assert.Equal(t, "handshake_auth_failed", torerr.Code(err))
	assert.Empty(t, res.HopTimes)
	assert.NotContains(t, out.String(), "3-hop circuit established")
}

// lookup returns the address the directory currently lists for name.
func lookup(t *testing.T, n *network, name string) string {
	t.Helper()
	for _, r := range n.reg.List() {
		if r.Name == name {
			return r.Addr()
		}
	}
	t.Fatalf("%s not registered", name)
	return ""
}

func TestGetDestroyAfterTwoHops(t *testing.T) {
	n := newNetwork(t, "hello")

	// The exit slot answers every CREATE2 with DESTROY, so the middle tears
	// the circuit down once it has two hops.
	ln := listen(t)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				c, err := cell.Decode(conn)
				if err != nil {
					return
				}
				cell.NewDestroy(c.CircID, cell.DestroyReasonProtocol).Encode(conn)
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	exit, err := directory.StaticRouter("exit", config.RoleExit, "127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port))
	require.NoError(t, err)
	_, err = n.reg.Upsert(exit)
	require.NoError(t, err)

	res, err := n.client(nil).Get(context.Background(), n.origin)
	require.Error(t, err)
	assert.Equal(t, "circuit_destroyed", torerr.Code(err))
	assert.Len(t, res.HopTimes, 2)

	n.requireNoCircuits()
}

func TestGetHandshakeTimeout(t *testing.T) {
	n := newNetwork(t, "hello")

	// A guard that accepts and never answers.
	ln := listen(t)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	n.register(n.relays[config.RoleGuard], ln.Addr().String())

	c := NewClient(&config.Client{
		DirectoryHost: "127.0.0.1",
		DirectoryPort: n.dirPort,
		Timeout:       10 * time.Second,
		HopTimeout:    200 * time.Millisecond,
	}, nil, zap.NewNop())
	_, err := c.Get(context.Background(), n.origin)
	require.Error(t, err)
	assert.Equal(t, "handshake_timeout", torerr.Code(err))
}

func TestAppendRecordCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	res := &Result{
		HopTimes:    []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		CircuitTime: 65 * time.Millisecond,
		HTTPTime:    5 * time.Millisecond,
		TotalTime:   80 * time.Millisecond,
		Body:        []byte("hello"),
	}
	require.NoError(t, AppendRecord(path, NewRecord(res, nil)))
	require.NoError(t, AppendRecord(path, NewRecord(&Result{}, torerr.Kind(torerr.ErrHandshakeTimeout, io.EOF))))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,status,reason,hop1_ms,hop2_ms,hop3_ms,circuit_ms,http_ms,total_ms,response_bytes", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",success,ok,10,20,30,65,5,80,5"), lines[1])
	assert.True(t, strings.HasSuffix(lines[2], ",failure,handshake_timeout,0,0,0,0,0,0,0"), lines[2])
}

func TestAppendRecordJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, AppendRecord(path, NewRecord(&Result{Body: []byte("hello")}, nil)))
	require.NoError(t, AppendRecord(path, NewRecord(nil, torerr.ErrDirectoryUnavailable)))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "success", rec.Status)
	assert.Equal(t, 5, rec.ResponseBytes)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "failure", rec.Status)
	assert.Equal(t, "directory_unavailable", rec.Reason)
}
