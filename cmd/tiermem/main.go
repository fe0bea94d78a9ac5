// Package main is the entry point for the tiermem CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/pkg/app"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tiermem",
		Short:         "A tiered conversational memory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.PersistentFlags().String("data-dir", "", "Override the data directory")
	root.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")

	root.AddCommand(
		versionCmd(),
		serveCmd(),
		configCmd(),
		statsCmd(),
		optimizeCmd(),
		backupCmd(),
		restoreCmd(),
		migrateCmd(),
	)
	return root
}

func runParams(cmd *cobra.Command) app.RunParams {
	cfgPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	level, _ := cmd.Flags().GetString("log-level")
	return app.RunParams{
		ConfigPath: cfgPath,
		DataDir:    dataDir,
		LogLevel:   level,
		Version:    version,
		Commit:     commit,
		Date:       date,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiermem %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, its background tasks and the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), runParams(cmd))
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration and provision every module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := runParams(cmd)
			if len(args) == 1 {
				params.ConfigPath = args[0]
			}
			cfg, err := app.LoadConfig(params)
			if err != nil {
				return err
			}
			st, err := app.Assemble(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			defer st.App.Unload()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			fmt.Fprintf(out, "  storage:     %s\n", cfg.Storage.Backend)
			fmt.Fprintf(out, "  backup:      %s\n", cfg.Backup.Store)
			fmt.Fprintf(out, "  synthesizer: %s\n", cfg.Synthesizer.Provider)
			if st.Gateway != nil {
				fmt.Fprintf(out, "  gateway:     %s\n", cfg.Gateway.Bind)
			}
			return nil
		},
	})
	return cmd
}

// withEngine runs fn against a started engine without background tasks
// or the gateway, then shuts everything down.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := app.LoadConfig(runParams(cmd))
	if err != nil {
		return err
	}
	st, err := app.Assemble(cfg, app.Options{OneShot: true})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := st.App.Start(ctx); err != nil {
		return err
	}
	defer st.App.Stop()

	return fn(ctx, st.Engine)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [conversation]",
		Short: "Print tier statistics, or the overview of one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if len(args) == 1 {
					ov, err := e.ConversationOverview(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), ov)
				}
				st, err := e.SystemStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func optimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Run one optimization cycle and retention sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				st, err := e.OptimizeMemory(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func backupCmd() *cobra.Command {
	var (
		conversations []string
		since         time.Duration
		list          bool
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a full or incremental backup, or list existing ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 && len(conversations) > 0 {
				return fmt.Errorf("--since and --conversation are mutually exclusive")
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				out := cmd.OutOrStdout()
				if list {
					hs, err := e.ListBackups(ctx)
					if err != nil {
						return err
					}
					for _, h := range hs {
						fmt.Fprintln(out, h)
					}
					return nil
				}

				var (
					h   durable.Handle
					err error
				)
				if since > 0 {
					h, err = e.IncrementalBackup(ctx, time.Now().Add(-since))
				} else {
					h, err = e.Backup(ctx, conversations...)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, h)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "Back up only these conversations")
	cmd.Flags().DurationVar(&since, "since", 0, "Incremental backup of records modified within this window")
	cmd.Flags().BoolVar(&list, "list", false, "List backups, newest first")
	return cmd
}

func restoreCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "restore <handle>",
		Short: "Restore a backup into the durable store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Restore(ctx, durable.Handle(args[0]), verify)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", true, "Skip records whose checksum does not match the archive")
	return cmd
}

func migrateCmd() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade stored records to a schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				n, err := e.MigrateSchema(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d records to schema v%d\n", n, target)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&target, "target", durable.LatestSchemaVersion, "Target schema version")
	return cmd
}
