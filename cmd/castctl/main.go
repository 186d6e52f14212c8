package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/castv2/internal/config"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "castctl",
		Short: "CastV2 sender and receiver tooling",
		Long: `castctl speaks the CastV2 protocol over TLS.

  castctl serve   run a receiver that echoes envelopes and answers heartbeats
  castctl send    connect to a receiver, send one envelope, print replies
  castctl config  write a starter configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(opts),
		sendCmd(opts),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(1)
	}
}

// load resolves the config file (or defaults) and installs the logger.
// Log settings layer as file, then CASTV2_LOG_* environment, then --log-level.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(o.configPath) != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.Log = logging.WithEnv(cfg.Log)
	if strings.TrimSpace(o.logLevel) != "" {
		level, ok := logging.ParseLevel(o.logLevel)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown log level %q", o.logLevel)
		}
		cfg.Log.Level = level
	}
	logging.Apply(cfg.Log)
	return cfg, nil
}
