package directory

import (
	"context"
	"net"
	"net/http"
	"strconv"
)

// Origin is the test HTTP server reached through circuits. It answers every
// GET with the same page.
type Origin struct {
	body []byte
}

// NewOrigin returns an origin serving body.
func NewOrigin(body string) *Origin {
	return &Origin{body: []byte(body)}
}

func (o *Origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(o.body)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(o.body)
}

// Serve accepts origin requests on ln until ctx is done.
func (o *Origin) Serve(ctx context.Context, ln net.Listener) error {
	return serveHTTP(ctx, ln, o)
}
