// Command client builds a 3-hop PQ-NTOR circuit and fetches one URL through
// it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pqtor/pkg/config"
	"pqtor/pkg/logging"
	"pqtor/pkg/tor"
	"pqtor/pkg/torerr"
)

// errReported marks a failure whose reason code is already on stderr.
var errReported = errors.New("reported")

type flags struct {
	configFile string
	dirHost    string
	dirPort    int
	url        string
	timeout    int
	hopTimeout int
	output     string
	logFile    string
	debug      bool
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Fetch a URL through a 3-hop PQ-NTOR circuit",
		Long: `client fetches the relay list from the directory, builds a guard, middle,
exit circuit with PQ-NTOR handshakes and issues one HTTP GET through it.

On failure it prints a single reason code such as handshake_timeout or
directory_unavailable to stderr and exits 1. With -o, a results record with
per-hop handshake times is appended to a CSV file, or a JSON file when the
name ends in .json.`,
		Example: `  # Fetch the test page through the static relays
  client -d 127.0.0.1 -p 5000 -u http://127.0.0.1:8000/index.html

  # Append timings to results.csv
  client -u http://127.0.0.1:8000/ -o results.csv`,
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
	cmd.Flags().StringVarP(&f.dirHost, "directory", "d", "", "directory host (default 127.0.0.1)")
	cmd.Flags().IntVarP(&f.dirPort, "port", "p", 0, "directory port (default 5000)")
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "http:// URL to fetch")
	cmd.Flags().IntVar(&f.timeout, "timeout", 0, "overall timeout in seconds (default 30)")
	cmd.Flags().IntVar(&f.hopTimeout, "hop-timeout", 0, "per-hop handshake timeout in seconds (default 10)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "append a results record to this file")
	cmd.Flags().StringVarP(&f.logFile, "log", "l", "", "log file (default: stderr)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")
	return cmd
}

func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config file '%v'", f.configFile)
	}
	if cfg.Client == nil {
		cfg.Client = &config.Client{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.Logging{}
	}

	set := cmd.Flags().Changed
	if set("directory") {
		cfg.Client.DirectoryHost = f.dirHost
	}
	if set("port") {
		cfg.Client.DirectoryPort = f.dirPort
	}
	if set("url") {
		cfg.Client.URL = f.url
	}
	if set("timeout") {
		cfg.Client.Timeout = time.Duration(f.timeout) * time.Second
	}
	if set("hop-timeout") {
		cfg.Client.HopTimeout = time.Duration(f.hopTimeout) * time.Second
	}
	if set("output") {
		cfg.Client.Output = f.output
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
	cCfg := cfg.Client
	log, closer, err := logging.New("client", cfg.Logging.File, cfg.Logging.Debug)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, getErr := tor.NewClient(cCfg, os.Stdout, log).Get(ctx, cCfg.URL)

	if cCfg.Output != "" {
		if err := tor.AppendRecord(cCfg.Output, tor.NewRecord(res, getErr)); err != nil {
			log.Error("write results record", zap.String("file", cCfg.Output), zap.Error(err))
		}
	}

	if getErr != nil {
		log.Debug("request failed", zap.Error(getErr))
		fmt.Fprintln(os.Stderr, torerr.Code(getErr))
		return errReported
	}
	fmt.Printf("[+] Response: %d bytes (HTTP %d), total %d ms\n",
		len(res.Body), res.StatusCode, res.TotalTime.Milliseconds())
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "client:", err)
		}
		os.Exit(1)
	}
}
