// Command relay runs a guard, middle or exit onion router.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pqtor/pkg/config"
	"pqtor/pkg/directory"
	"pqtor/pkg/instrument"
	"pqtor/pkg/logging"
	"pqtor/pkg/relay"
)

const (
	exitBind         = 1
	exitRegistration = 2

	registerTimeout = 10 * time.Second
)

// exitError carries a process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type flags struct {
	configFile string
	role       string
	port       int
	directory  string
	logFile    string
	metrics    string
	debug      bool
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "PQ-NTOR onion relay",
		Long: `relay accepts links from clients and other relays, answers CREATE2 with a
post-quantum PQ-NTOR handshake, extends circuits on EXTEND2 and, in the exit
role, connects streams to their targets.

The role selects the relay's deterministic static key. When a directory is
given the relay registers itself there after it starts listening; a failed
registration is logged and the relay keeps serving, exiting with status 2
when it stops.`,
		Example: `  # Run the guard on its default port 6001
  relay -r guard

  # Run an exit on port 7003 and register with the directory
  relay -r exit -p 7003 -d 127.0.0.1:5000`,
		Version:       versioninfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "path to a TOML configuration file")
	cmd.Flags().StringVarP(&f.role, "role", "r", "", "relay role: guard, middle or exit")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "listen port (default: 6001, 6002 or 6003 by role)")
	cmd.Flags().StringVarP(&f.directory, "directory", "d", "", "directory host:port to register with")
	cmd.Flags().StringVarP(&f.logFile, "log", "l", "", "log file (default: stderr)")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on host:port")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")
	return cmd
}

func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config file '%v'", f.configFile)
	}
	if cfg.Relay == nil {
		cfg.Relay = &config.Relay{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.Logging{}
	}

	set := cmd.Flags().Changed
	if set("role") {
		cfg.Relay.Role = f.role
	}
	if set("port") {
		cfg.Relay.Port = f.port
	}
	if set("directory") {
		cfg.Relay.Directory = f.directory
	}
	if set("metrics") {
		cfg.Relay.MetricsAddress = f.metrics
	}
	if set("log") {
		cfg.Logging.File = f.logFile
	}
	if set("debug") {
		cfg.Logging.Debug = f.debug
	}

	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	rCfg := cfg.Relay
	log, closer, err := logging.New(rCfg.Role, cfg.Logging.File, cfg.Logging.Debug)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer log.Sync()

	r, err := relay.New(relay.Config{
		Role:             rCfg.Role,
		Name:             rCfg.Name,
		MaxCircuits:      rCfg.MaxCircuits,
		HandshakeTimeout: rCfg.HandshakeTimeout,
	}, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rCfg.ListenAddress())
	if err != nil {
		return &exitError{code: exitBind, err: errors.Wrapf(err, "listen %s", rCfg.ListenAddress())}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("role=%s port=%d id=%s\n", rCfg.Role, port, r.ID())
	log.Info("relay listening",
		zap.String("address", ln.Addr().String()),
		zap.Int("max_circuits", rCfg.MaxCircuits),
		zap.Stringer("id", r.ID()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registerErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Serve(gctx, ln)
	})
	if rCfg.MetricsAddress != "" {
		g.Go(func() error {
			return instrument.Serve(gctx, rCfg.MetricsAddress)
		})
	}
	if rCfg.Directory != "" {
		advertised := net.JoinHostPort(rCfg.Address, strconv.Itoa(port))
		g.Go(func() error {
			registerErr = register(gctx, r, rCfg.Directory, advertised, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relay stopped")
	if registerErr != nil {
		return &exitError{code: exitRegistration, err: registerErr}
	}
	return nil
}

// register publishes the relay's record. Failure only affects new clients;
// existing circuits keep working.
func register(ctx context.Context, r *relay.Relay, dirAddr, advertised string, log *zap.Logger) error {
	router, err := r.Router(advertised)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	log = log.With(zap.String("directory", dirAddr), zap.String("advertised", advertised))
	if err := directory.NewClient(dirAddr).Register(ctx, router); err != nil {
		log.Warn("directory registration failed", zap.Error(err))
		return errors.Wrap(err, "register with directory")
	}
	log.Info("registered with directory")
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
