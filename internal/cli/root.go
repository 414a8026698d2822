package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/rollbook/internal/config"
	"github.com/roach88/rollbook/internal/logging"
	"github.com/roach88/rollbook/internal/remote"
)

// RootOptions holds global flags for all commands, and the configuration
// resolved from them before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	EnvFile    string

	// Client replaces the HTTP client built from server_url (for testing).
	Client remote.Client

	viper     *viper.Viper
	Config    *config.Config
	Logger    *slog.Logger
	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rollbook CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts, so
// callers can inject a Client.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	opts.viper = config.New()

	cmd := &cobra.Command{
		Use:   "rollbook",
		Short: "rollbook - offline-first class records",
		Long: `rollbook keeps a local copy of class data (students, classes, points)
that stays readable and writable without a network. Edits are queued
durably and sent to the server in order when it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default: ./rollbook.yaml or ~/.config/rollbook/rollbook.yaml)")
	pf.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.String("db", "", "path to the local SQLite database, or :memory:")
	pf.String("server", "", "backend base URL; empty means local only")
	pf.String("schema", "", "CUE file or directory with table schemas")
	pf.Bool("offline", false, "work offline: queue edits without contacting the server")
	pf.String("log-level", "", "log level (debug|info|warn|error)")

	for flag, key := range map[string]string{
		"db":        config.KeyDB,
		"server":    config.KeyServerURL,
		"schema":    config.KeySchema,
		"offline":   config.KeyOffline,
		"log-level": config.KeyLogLevel,
	} {
		_ = opts.viper.BindPFlag(key, pf.Lookup(flag))
	}

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// load resolves configuration and builds the logger. Logs go to stderr
// so JSON output on stdout stays parseable.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(o.EnvFile); err != nil {
		return WrapExitError(ExitCommandError, "failed to load env file", err)
	}
	if err := config.ReadFile(o.viper, o.ConfigFile); err != nil {
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	if o.Verbose && !cmd.Flags().Changed("log-level") {
		o.viper.Set(config.KeyLogLevel, "debug")
	}

	cfg, err := config.Decode(o.viper)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	o.Config = cfg
	o.Logger = logger
	o.logCloser = closer
	logger.Debug("configuration loaded", "file", cfg.File, "db", cfg.DB, "server", cfg.ServerURL)
	return nil
}

func (o *RootOptions) close() error {
	if o.logCloser == nil {
		return nil
	}
	err := o.logCloser.Close()
	o.logCloser = nil
	return err
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
