package main

import (
	"time"

	"github.com/spf13/cobra"
)

// configFlags are the overrides every command accepts on top of the config
// file.
type configFlags struct {
	path     string
	addr     string
	dsn      string
	logLevel string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "campusrt",
		Short:        "Realtime push service for channel messages, reactions and presence",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
	)

	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the push server",
		Long: `Start the push server.

The server listens for database change notifications, fans them out to
WebSocket and SSE clients and tracks presence and typing state. Graceful
shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  campusrt serve --config /etc/campusrt/campusrt.yaml
  campusrt serve --addr :8000 --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	flags.register(cmd)

	return cmd
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the notification triggers",
		Long: `Install or remove the trigger functions that publish row changes of
channel_messages, message_reactions and channel_members.`,
	}

	var flags configFlags
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(flags)
		},
	}
	flags.register(up)

	var downFlags configFlags
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(downFlags)
		},
	}
	downFlags.register(down)

	var versionFlags configFlags
	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateVersion(cmd, versionFlags)
		},
	}
	versionFlags.register(ver)

	cmd.AddCommand(up, down, ver)
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		flags configFlags
		email string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign an access token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, flags, args[0], email, role, ttl)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&role, "role", "", "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
