// Package main is the clinic backup command line. It runs the same pipeline
// as the server and is meant for host cron jobs and operator checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/odontoclinic/clinicbackup/internal/app"
	"github.com/odontoclinic/clinicbackup/internal/backup"
	"github.com/odontoclinic/clinicbackup/internal/config"
	"github.com/odontoclinic/clinicbackup/internal/db"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// errRunFailed marks a run that finished but had a failed destination.
var errRunFailed = errors.New("one or more destinations failed")

type globalOptions struct {
	verbose bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "clinicbackup",
		Short: "Clinic database backup and archival",
		Long: `clinicbackup dumps the clinic database, archives the dump and uploads
it to the enabled destinations (Google Drive, Dropbox).

Configuration is read from the environment and, if CLINICBACKUP_CONFIG is
set, from that YAML file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Hour, "abort the command after this long")

	rootCmd.AddCommand(
		newVersionCmd(),
		newDumpCmd(opts),
		newRunCmd(opts),
		newSettingsCmd(opts),
		newDestinationsCmd(opts),
		newScheduleCmd(opts),
		newMigrateCmd(opts),
	)

	return rootCmd
}

func newLogger(opts *globalOptions) zerolog.Logger {
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

// setup loads configuration and wires the components. The returned context
// is cancelled on SIGINT/SIGTERM or when the timeout expires.
func setup(cmd *cobra.Command, opts *globalOptions) (context.Context, *app.App, func(), error) {
	logger := newLogger(opts)

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(cfg, dbconn.OSEnv, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)

	cleanup := func() {
		cancel()
		stop()
		a.Close()
	}
	return ctx, a, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clinicbackup %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

func newDumpCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump and archive the database into a local directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			art, err := a.Pipeline.Run(ctx)
			if err != nil {
				return err
			}
			defer art.Close()

			dest := filepath.Join(output, art.Archive.RemoteName())
			if err := copyFile(art.Archive.ZipFilePath, dest); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", dest)
			if art.Dump.IsPlaceholder {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: database has no tables; archive holds a placeholder dump")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", ".", "directory to write the archive to")
	return cmd
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy archive: %w", err)
	}
	return out.Close()
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		dests         []string
		gdriveFolder  string
		dropboxFolder string
		cleanupDays   int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dump, archive and upload to destinations",
		Long: `Run dumps the database and uploads the archive. Without --destination
the destinations enabled in the settings are used. The exit status is non-zero
when any destination fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			current := a.Settings.Read(ctx)
			if len(dests) == 0 {
				dests = current.EnabledDestinations()
			}

			req := backup.UploadRequest{
				Destinations:   dests,
				GDriveFolderID: gdriveFolder,
				DropboxFolder:  dropboxFolder,
				Trigger:        backup.TriggerCLI,
				Settings:       &current,
			}
			if cmd.Flags().Changed("cleanup-days") {
				req.CleanupDays = &cleanupDays
			}

			summary, err := a.Pipeline.RunAndUpload(ctx, req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if !summary.OK {
				return fmt.Errorf("%w: %s", errRunFailed, strings.Join(summary.FailedDestinations(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&dests, "destination", "d", nil, "destination to upload to (gdrive, dropbox); repeatable")
	cmd.Flags().StringVar(&gdriveFolder, "gdrive-folder", "", "override the Google Drive folder ID")
	cmd.Flags().StringVar(&dropboxFolder, "dropbox-folder", "", "override the Dropbox folder")
	cmd.Flags().IntVar(&cleanupDays, "cleanup-days", 0, "override retention; 0 disables cleanup")
	return cmd
}

func newSettingsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and synchronize backup settings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, a, cleanup, err := setup(cmd, opts)
				if err != nil {
					return err
				}
				defer cleanup()
				return printJSON(cmd.OutOrStdout(), a.Settings.Read(ctx).Masked())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Reconcile the settings file and database row",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, a, cleanup, err := setup(cmd, opts)
				if err != nil {
					return err
				}
				defer cleanup()

				result := a.Reconcile(ctx)
				if result.Source == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "No persisted settings; defaults are in effect.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Source:  %s\n", result.Source)
				fmt.Fprintf(cmd.OutOrStdout(), "Updated: %s\n", strings.Join(result.Updated, ", "))
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped: %s\n", strings.Join(result.Skipped, ", "))
				return nil
			},
		},
	)
	return cmd
}

func newDestinationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destinations",
		Short: "Check destination access",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "test <name>",
		Short: "Verify credentials and folder access for a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			name := strings.ToLower(args[0])
			dest, ok := a.Registry.Get(name)
			if !ok {
				return fmt.Errorf("unknown destination %q (known: %s)", name, strings.Join(a.Registry.Names(), ", "))
			}

			target := a.Pipeline.TargetFor(ctx, name)
			if err := dest.Validate(target); err != nil {
				return err
			}
			status, err := dest.TestConnection(ctx, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", name, status.Detail)
			return nil
		},
	})
	return cmd
}

func newScheduleCmd(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the next scheduled run times",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := a.Settings.Read(ctx).Schedule
			if !sched.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Schedule is disabled.")
				return nil
			}
			times, err := backup.NextFireTimes(sched, time.Now(), count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	return cmd
}

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the settings table migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if list {
				migrations, err := db.GetMigrations(a.Dialect)
				if err != nil {
					return err
				}
				for _, m := range migrations {
					fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", m.Version, m.Name)
				}
				return nil
			}

			// Connecting applies pending migrations.
			handle, err := a.Database.Get(ctx)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s).\n", handle.Dialect)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations for the configured dialect")
	return cmd
}
