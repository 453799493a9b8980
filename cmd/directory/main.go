// Command directory serves the relay registry over HTTP together with the
// test origin reached through circuits.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pqtor/pkg/config"
	"pqtor/pkg/directory"
	"pqtor/pkg/instrument"
	"pqtor/pkg/logging"
)

const exitBind = 1

// exitError carries a process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type flags struct {
	configFile string
	port       int
	httpPort   int
	noStatic   bool
	registry   string
	logFile    string
	metrics    string
	debug      bool
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "PQ-NTOR relay directory and test origin",
		Long: `directory lists the known relays as JSON on GET /relays (and GET /),
accepts relay self-registration on POST /register, and serves a fixed test
page on a second port for clients to fetch through their circuits.

In static mode, the default, guard, middle and exit are pre-registered on
127.0.0.1:6001-6003 with their role-derived keys.`,
		Example: `  # Directory on :5000, origin on :8000
  directory

  # Registration only, persisted across restarts
  directory --no-static --registry /var/lib/pqtor/relays.json`,
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
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "directory HTTP port (default 5000)")
	cmd.Flags().IntVarP(&f.httpPort, "http-port", "t", 0, "test origin port (default 8000)")
	cmd.Flags().BoolVar(&f.noStatic, "no-static", false, "do not pre-register the static relays")
	cmd.Flags().StringVar(&f.registry, "registry", "", "persist the registry to this JSON file")
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
	if cfg.Directory == nil {
		cfg.Directory = &config.Directory{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.Logging{}
	}

	set := cmd.Flags().Changed
	if set("port") {
		cfg.Directory.Port = f.port
	}
	if set("http-port") {
		cfg.Directory.HTTPPort = f.httpPort
	}
	if set("no-static") {
		cfg.Directory.DisableStatic = f.noStatic
	}
	if set("registry") {
		cfg.Directory.RegistryFile = f.registry
	}
	if set("metrics") {
		cfg.Directory.MetricsAddress = f.metrics
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
	dCfg := cfg.Directory
	log, closer, err := logging.New("directory", cfg.Logging.File, cfg.Logging.Debug)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer log.Sync()

	reg := directory.NewRegistry(dCfg.RegistryFile)
	if !dCfg.DisableStatic {
		if err := reg.SeedStatic(); err != nil {
			return err
		}
	}
	if err := reg.Load(); err != nil {
		return err
	}
	log.Info("registry ready",
		zap.Int("relays", reg.Len()),
		zap.Bool("static", !dCfg.DisableStatic),
		zap.String("file", dCfg.RegistryFile))

	dirAddr := net.JoinHostPort(dCfg.Address, strconv.Itoa(dCfg.Port))
	dirLn, err := net.Listen("tcp", dirAddr)
	if err != nil {
		return &exitError{code: exitBind, err: errors.Wrapf(err, "listen %s", dirAddr)}
	}
	originAddr := net.JoinHostPort(dCfg.Address, strconv.Itoa(dCfg.HTTPPort))
	originLn, err := net.Listen("tcp", originAddr)
	if err != nil {
		dirLn.Close()
		return &exitError{code: exitBind, err: errors.Wrapf(err, "listen %s", originAddr)}
	}
	log.Info("directory listening",
		zap.String("directory", dirLn.Addr().String()),
		zap.String("origin", originLn.Addr().String()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return directory.NewServer(reg, log).Serve(gctx, dirLn)
	})
	g.Go(func() error {
		return directory.NewOrigin(dCfg.OriginBody).Serve(gctx, originLn)
	})
	if dCfg.MetricsAddress != "" {
		g.Go(func() error {
			return instrument.Serve(gctx, dCfg.MetricsAddress)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("directory stopped")
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "directory:", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
