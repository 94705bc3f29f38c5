// Package cli implements the wsdb command line.
//
// Every flag of the root command can also be set with a WSDB_-prefixed
// environment variable (--log-level becomes WSDB_LOG_LEVEL), read from the
// process environment or from .env and .env.local in the working directory.
// Flags given on the command line win.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/wsdb/internal/registry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	URI       string
	Workspace string
	Account   string
	LogLevel  string
	RedisURL  string

	Logger *slog.Logger

	config     *viper.Viper
	workspaces *registry.Registry
	redis      *redis.Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Defaults for the global flags.
const (
	DefaultURI       = "./wsdb-data"
	DefaultWorkspace = "default"
	DefaultAccount   = "core:account:System"
)

// NewRootCommand creates the root command for the wsdb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{config: newConfig()}

	cmd := &cobra.Command{
		Use:   "wsdb",
		Short: "wsdb - transactional workspace document store",
		Long: `wsdb stores documents of a class hierarchy in per-workspace SQLite
databases. Every change is a transaction appended to the workspace log;
projections, the schema and the in-memory model are rebuilt from that log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("format", "text", "output format (json|text)")
	flags.String("uri", DefaultURI, "workspace directory: sqlite:///dir, file:///dir or a path")
	flags.StringP("workspace", "w", DefaultWorkspace, "workspace id")
	flags.String("account", DefaultAccount, "account recorded as the author of new transactions")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("redis-url", "", "publish committed transactions to this Redis server")
	if err := opts.config.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("bind flags: %v", err))
	}

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewMetricsCommand(opts))
	closeAfterRun(cmd, opts)

	return cmd
}

// closeAfterRun wraps every subcommand so the workspaces it opened are
// closed when it returns, whether or not it failed.
func closeAfterRun(root *cobra.Command, opts *RootOptions) {
	for _, c := range root.Commands() {
		run := c.RunE
		if run == nil {
			continue
		}
		c.RunE = func(cmd *cobra.Command, args []string) error {
			defer func() {
				if err := opts.closeWorkspaces(); err != nil {
					opts.logger().Warn("close workspaces", "error", err)
				}
			}()
			return run(cmd, args)
		}
	}
}

// load resolves the global options from flags, environment and .env files.
func (o *RootOptions) load(cmd *cobra.Command) error {
	loadDotEnv()

	v := o.config
	o.Verbose = v.GetBool("verbose")
	o.Format = v.GetString("format")
	o.URI = v.GetString("uri")
	o.Workspace = v.GetString("workspace")
	o.Account = v.GetString("account")
	o.LogLevel = v.GetString("log-level")
	o.RedisURL = v.GetString("redis-url")

	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	level, err := parseLevel(o.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if o.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	o.Logger = newLogger(cmd.ErrOrStderr(), level)
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
