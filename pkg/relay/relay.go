// Package relay implements the relay node: it accepts links, answers
// CREATE2, extends circuits on EXTEND2, moves RELAY cells between neighbours
// and, for the exit role, connects streams to their targets.
package relay

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pqtor/pkg/channel"
	"pqtor/pkg/config"
	"pqtor/pkg/crypto"
	"pqtor/pkg/directory"
)

// Config holds the relay settings that matter once it is listening.
type Config struct {
	Role             string
	Name             string
	MaxCircuits      int
	HandshakeTimeout time.Duration
}

// Relay is a running relay node.
type Relay struct {
	cfg    Config
	server *crypto.PQNtorServer
	log    *zap.Logger

	mu       sync.Mutex
	links    map[*link]struct{}
	shutdown bool
	wg       sync.WaitGroup

	openCircuits atomic.Int64
}

// New derives the static identity of cfg.Role and returns a relay ready to
// serve.
func New(cfg Config, log *zap.Logger) (*Relay, error) {
	if !config.ValidRole(cfg.Role) {
		return nil, errors.Errorf("relay: invalid role %q", cfg.Role)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Role
	}
	if cfg.MaxCircuits <= 0 {
		return nil, errors.New("relay: MaxCircuits must be positive")
	}
	if cfg.HandshakeTimeout <= 0 {
		return nil, errors.New("relay: HandshakeTimeout must be positive")
	}
	kp, err := crypto.StaticKeypair(cfg.Role)
	if err != nil {
		return nil, errors.Wrap(err, "relay: derive static key")
	}
	return &Relay{
		cfg:    cfg,
		server: crypto.NewPQNtorServer(kp),
		log:    log.With(zap.String("name", cfg.Name)),
		links:  make(map[*link]struct{}),
	}, nil
}

// ID returns the relay identity tag.
func (r *Relay) ID() crypto.RelayID {
	return r.server.ID()
}

// IsExit reports whether the relay honours BEGIN.
func (r *Relay) IsExit() bool {
	return r.cfg.Role == config.RoleExit
}

// Router returns the directory record advertising this relay at addr.
func (r *Relay) Router(addr string) (*directory.Router, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "relay: advertised address")
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return nil, errors.Errorf("relay: advertised port %q", p)
	}
	return &directory.Router{
		Name:      r.cfg.Name,
		Role:      r.cfg.Role,
		Host:      host,
		Port:      uint16(port),
		PublicKey: *r.server.PublicKey(),
	}, nil
}

// OpenCircuits returns the number of circuits currently held.
func (r *Relay) OpenCircuits() int {
	return int(r.openCircuits.Load())
}

// Serve accepts links on ln until ctx is done, then closes every link and
// waits for their goroutines.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		r.closeLinks()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "error accepting connection")
			}
			r.startLink(gctx, conn)
		}
	})

	err := g.Wait()
	r.wg.Wait()
	return err
}

func (r *Relay) startLink(ctx context.Context, conn net.Conn) {
	l := newLink(r, channel.New(conn))

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.links[l] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.serve(ctx)

		r.mu.Lock()
		delete(r.links, l)
		r.mu.Unlock()
	}()
}

func (r *Relay) closeLinks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	for l := range r.links {
		l.ch.Close()
	}
}
