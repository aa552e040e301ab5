package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
	flagTimeout    time.Duration
)

// errNoCredentials is returned by commands that need the API when no key
// pair was configured.
var errNoCredentials = errors.New(
	"no credentials: set B2_ACCOUNT_ID and B2_APPLICATION_KEY or run 'b2-go authorize --save'")

// CLIFlags is a snapshot of the global flags.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext is what every subcommand gets from the root pre-run: the
// resolved configuration, a logger built from it, and the global flags.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// cliContextFrom returns the CLIContext stored by the root pre-run, or nil.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "b2-go",
		Short:   "Backblaze B2 CLI client",
		Long:    "A command-line client for Backblaze B2 with concurrent directory uploads.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 0, "API call timeout and transfer idle limit (overrides config)")

	cmd.AddCommand(newAuthorizeCmd())
	cmd.AddCommand(newBucketCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newShareCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the override
// chain and builds the logger.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("timeout") {
		cli.Timeout = &flagTimeout
	}

	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("workers"); err == nil {
			cli.Workers = &n
		}
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet}

	return &CLIContext{
		Flags:  flags,
		Cfg:    resolved,
		Logger: buildLogger(resolved, flags),
	}, nil
}

// buildLogger creates an slog.Logger from the config's log level. --verbose
// and --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newSession builds an unauthorized session from the resolved credentials.
func (cc *CLIContext) newSession() (*b2.Session, error) {
	if !cc.Cfg.HasCredentials() {
		return nil, errNoCredentials
	}

	opts := []b2.SessionOption{
		b2.WithTokenLifetime(cc.Cfg.TokenLifetime),
		b2.WithSessionLogger(cc.Logger),
	}

	if cc.Cfg.AuthURL != "" {
		opts = append(opts, b2.WithAuthURL(cc.Cfg.AuthURL))
	}

	return b2.NewSession(cc.Cfg.AccountID, cc.Cfg.ApplicationKey, opts...), nil
}

// newClient builds an API client. The session authorizes lazily on the
// first call.
func (cc *CLIContext) newClient() (*b2.Client, error) {
	session, err := cc.newSession()
	if err != nil {
		return nil, err
	}

	return b2.NewClient(session,
		b2.WithLogger(cc.Logger),
		b2.WithTimeout(cc.Cfg.Timeout),
		b2.WithDownloadAuthDuration(cc.Cfg.DownloadAuthDuration),
	), nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
