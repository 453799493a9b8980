// Package tor provides the high-level client: it fetches the relay list from
// the directory, builds a 3-hop circuit, makes an HTTP GET through it and
// reports timings for the results file.
package tor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pqtor/pkg/channel"
	"pqtor/pkg/circuit"
	"pqtor/pkg/config"
	"pqtor/pkg/directory"
	"pqtor/pkg/stream"
	"pqtor/pkg/torerr"
)

// maxResponseBody caps the bytes read from an HTTP response.
const maxResponseBody = 16 << 20

// Client builds circuits from the relays the directory lists.
type Client struct {
	cfg *config.Client
	dir *directory.Client
	out io.Writer
	log *zap.Logger
}

// NewClient returns a client for cfg. Progress lines go to out.
func NewClient(cfg *config.Client, out io.Writer, log *zap.Logger) *Client {
	if out == nil {
		out = io.Discard
	}
	return &Client{
		cfg: cfg,
		dir: directory.NewClient(cfg.DirectoryAddress()),
		out: out,
		log: log,
	}
}

// CircuitInfo holds the relays of a built circuit.
type CircuitInfo struct {
	Guard  *directory.Router
	Middle *directory.Router
	Exit   *directory.Router
}

// Result is the outcome of one Get. Fields are filled as far as the run got.
type Result struct {
	Path        *CircuitInfo
	HopTimes    []time.Duration
	CircuitTime time.Duration
	HTTPTime    time.Duration
	TotalTime   time.Duration
	StatusCode  int
	Body        []byte
}

func (c *Client) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Get fetches rawURL through a fresh 3-hop circuit and tears the circuit
// down afterwards. The returned Result is never nil.
func (c *Client) Get(ctx context.Context, rawURL string) (*Result, error) {
	res := &Result{}
	start := time.Now()
	defer func() { res.TotalTime = time.Since(start) }()

	target, path, host, err := parseURL(rawURL)
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.printf("[1/4] Fetching directory from %s...", c.cfg.DirectoryAddress())
	relays, err := c.dir.FetchRelays(ctx)
	if err != nil {
		return res, err
	}
	c.printf("[+] Directory lists %d relays", len(relays))

	c.printf("[2/4] Building circuit...")
	circStart := time.Now()
	circ, err := c.BuildCircuit(ctx, relays, res)
	res.CircuitTime = time.Since(circStart)
	if err != nil {
		return res, err
	}
	c.printf("[+] 3-hop circuit established in %d ms", res.CircuitTime.Milliseconds())

	// A cancelled run closes the link so blocked reads return.
	stop := context.AfterFunc(ctx, func() { circ.Channel().Close() })
	defer stop()

	c.printf("[3/4] HTTP GET %s via %s...", rawURL, res.Path.Exit.Name)
	httpStart := time.Now()
	err = c.httpGet(ctx, circ, target, host, path, res)
	res.HTTPTime = time.Since(httpStart)
	if err == nil {
		c.printf("[+] HTTP %d, %d bytes in %d ms", res.StatusCode, len(res.Body), res.HTTPTime.Milliseconds())
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = torerr.Kind(torerr.ErrTimeout, errors.Wrap(err, "http get"))
	}

	c.printf("[4/4] Closing circuit")
	c.closeCircuit(circ)
	return res, err
}

// BuildCircuit selects a path from relays and telescopes a circuit through
// it, recording the path and per-hop handshake times in res.
func (c *Client) BuildCircuit(ctx context.Context, relays []*directory.Router, res *Result) (*circuit.Circuit, error) {
	guard, middle, exit, err := directory.SelectCircuitPath(relays)
	if err != nil {
		return nil, err
	}
	res.Path = &CircuitInfo{Guard: guard, Middle: middle, Exit: exit}
	c.printf("[+] Path: %s (%s) -> %s (%s) -> %s (%s)",
		guard.Name, guard.Addr(), middle.Name, middle.Addr(), exit.Name, exit.Addr())

	c.printf("[*] Connecting to guard %s at %s...", guard.Name, guard.Addr())
	ch, err := channel.Dial(ctx, guard.Addr(), c.cfg.HopTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect to guard")
	}
	circ := circuit.New(ch)

	hops := []struct {
		router *directory.Router
		extend bool
	}{
		{guard, false},
		{middle, true},
		{exit, true},
	}
	for i, hop := range hops {
		hopStart := time.Now()
		if hop.extend {
			err = circ.Extend(ctx, hop.router, c.cfg.HopTimeout)
		} else {
			err = circ.Create(ctx, hop.router, c.cfg.HopTimeout)
		}
		if err != nil {
			c.log.Debug("circuit build failed",
				zap.String("relay", hop.router.Name),
				zap.Int("hop", i+1),
				zap.String("reason", torerr.Code(err)),
				zap.Error(err))
			c.closeCircuit(circ)
			return nil, errors.Wrapf(err, "hop %d (%s)", i+1, hop.router.Name)
		}
		elapsed := time.Since(hopStart)
		res.HopTimes = append(res.HopTimes, elapsed)
		c.printf("[+] Hop %d: %s handshake completed in %d ms", i+1, hop.router.Name, elapsed.Milliseconds())
	}
	return circ, nil
}

func (c *Client) httpGet(ctx context.Context, circ *circuit.Circuit, target, host, path string, res *Result) error {
	mgr := stream.NewManager(circ)
	s, err := mgr.OpenStream(ctx, target)
	if err != nil {
		return errors.Wrapf(err, "open stream to %s", target)
	}
	conn := NewStreamConn(s, circ.Channel())
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host); err != nil {
		return errors.Wrap(err, "write request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return torerr.Kind(torerr.ErrProtocol, errors.Wrap(err, "read response"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	res.StatusCode = resp.StatusCode
	res.Body = body
	return nil
}

func (c *Client) closeCircuit(circ *circuit.Circuit) {
	if circ.Len() > 0 {
		if err := circ.Destroy(); err != nil {
			c.log.Debug("send DESTROY", zap.Error(err))
		}
	}
	circ.Channel().Close()
}

// parseURL splits an http:// URL into the host:port the exit dials, the
// request path and the Host header.
func parseURL(rawURL string) (target, path, host string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", errors.Wrap(err, "parse url")
	}
	if u.Scheme != "http" {
		return "", "", "", errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", "", errors.Errorf("url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path = u.RequestURI()
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(u.Hostname(), port), path, u.Host, nil
}
