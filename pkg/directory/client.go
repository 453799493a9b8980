package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// maxRelaysBody bounds how much of a /relays response is read.
const maxRelaysBody = 1 << 20

// Client talks to a directory at host:port.
type Client struct {
	addr string
	http *http.Client
}

// NewClient returns a directory client for addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{}}
}

// FetchRelays downloads the relay list. An unreachable directory, a non-200
// answer, an unparsable body or an empty list are all ErrDirectoryUnavailable.
func (c *Client) FetchRelays(ctx context.Context) ([]*Router, error) {
	body, err := c.fetchRelaysBody(ctx)
	if err != nil {
		return nil, torerr.Kind(torerr.ErrDirectoryUnavailable, err)
	}

	var routers []*Router
	if err := json.Unmarshal(body, &routers); err != nil {
		return nil, torerr.Kind(torerr.ErrDirectoryUnavailable, errors.Wrap(err, "parse relay list"))
	}
	if len(routers) == 0 {
		return nil, torerr.Kind(torerr.ErrDirectoryUnavailable, errors.Errorf("directory %s lists no relays", c.addr))
	}
	return routers, nil
}

func (c *Client) fetchRelaysBody(ctx context.Context) ([]byte, error) {
	url := fmt.Sprintf("http://%s/relays", c.addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build relays request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch relays from %s", c.addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch relays from %s: status %d", c.addr, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelaysBody))
	if err != nil {
		return nil, errors.Wrapf(err, "read relays from %s", c.addr)
	}
	return body, nil
}

// Register publishes r to the directory.
func (c *Client) Register(ctx context.Context, r *Router) error {
	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode registration")
	}
	url := fmt.Sprintf("http://%s/register", c.addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build register request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return torerr.Kind(torerr.ErrDirectoryUnavailable, errors.Wrapf(err, "register with %s", c.addr))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxRequestBody))

	if resp.StatusCode != http.StatusOK {
		return torerr.Kind(torerr.ErrDirectoryUnavailable, errors.Errorf("register with %s: status %d", c.addr, resp.StatusCode))
	}
	return nil
}
