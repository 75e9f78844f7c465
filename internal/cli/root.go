// Package cli wires flags, environment, and config into the proxy.
package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"typemux-cc/internal/common"
	"typemux-cc/internal/config"
	"typemux-cc/internal/proxy"
	"typemux-cc/internal/version"
)

var (
	flagBackend       string
	flagMaxBackends   int
	flagBackendTTL    int
	flagWarmupTimeout int
	flagConfigPath    string
	flagLogFile       string
	flagLogLevel      string
)

// rootCmd is the whole CLI surface: the proxy takes no subcommands and no
// positional arguments.
var rootCmd = &cobra.Command{
	Use:   "typemux-cc",
	Short: "Multiplexing LSP proxy for Python type-checker backends",
	Long: `typemux-cc sits between an LSP client and a pool of Python type-checker
backends (pyright, ty, or pyrefly), routing each request to the backend whose
.venv owns the document it concerns. Backends are spawned on demand, evicted
by LRU and TTL, and restarted transparently: the client never observes a
backend change.

The proxy speaks standard LSP over stdio. All logging goes to stderr and,
with --log-file, to a file.`,
	Args:          cobra.NoArgs,
	Version:       version.GetFullVersionInfo(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProxy,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagBackend, "backend", config.DefaultBackend,
		"type checker to run (pyright|ty|pyrefly)")
	flags.IntVar(&flagMaxBackends, "max-backends", config.DefaultMaxBackends,
		"maximum number of concurrent backend processes")
	flags.IntVar(&flagBackendTTL, "backend-ttl", int(config.DefaultBackendTTL.Seconds()),
		"seconds an idle backend may live before eviction (0 disables)")
	flags.IntVar(&flagWarmupTimeout, "warmup-timeout", int(config.DefaultWarmupTimeout.Seconds()),
		"seconds to hold index-dependent requests while a backend warms up (0 disables)")
	flags.StringVar(&flagConfigPath, "config", "", "path to an optional YAML config file")
	flags.StringVar(&flagLogFile, "log-file", "", "log to this file in addition to stderr")
	flags.StringVar(&flagLogLevel, "log-level", config.DefaultLogLevel,
		"log level (trace|debug|info|warn|error)")
}

// resolveConfig layers defaults, config file, environment, and flags, in
// ascending precedence.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	if flagConfigPath != "" {
		if err := cfg.LoadFile(flagConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = flagBackend
	}
	if flags.Changed("max-backends") {
		cfg.MaxBackends = flagMaxBackends
	}
	if flags.Changed("backend-ttl") {
		cfg.BackendTTL = secondsToDuration(flagBackendTTL)
	}
	if flags.Changed("warmup-timeout") {
		cfg.WarmupTimeout = secondsToDuration(flagWarmupTimeout)
	}
	if flags.Changed("log-file") {
		cfg.LogFile = flagLogFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLogger, err := common.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLogger()

	px, err := proxy.New(cfg, logger, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	return px.Run(cmd.Context())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
