package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"DexSync/internal/observability"
	"DexSync/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	PostgresURL   string
	MigrationsDir string

	logger zerolog.Logger
	db     *sql.DB
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logger: observability.NewLogger("migrate")}

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the dexsync projection schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.PostgresURL == "" {
				return fmt.Errorf("--postgres or DEXSYNC_POSTGRES_DSN is required")
			}
			db, err := sql.Open("postgres", opts.PostgresURL)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.PingContext(cmd.Context()); err != nil {
				db.Close()
				return fmt.Errorf("ping db: %w", err)
			}
			opts.db = db
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.db != nil {
				opts.db.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.PostgresURL, "postgres", os.Getenv("DEXSYNC_POSTGRES_DSN"), "Postgres connection string")
	cmd.PersistentFlags().StringVar(&opts.MigrationsDir, "dir", envOr("DEXSYNC_MIGRATIONS_DIR", "migrations"), "migrations directory")

	cmd.AddCommand(newUpCommand(opts), newDownCommand(opts), newStatusCommand(opts))
	return cmd
}

func (o *rootOptions) migrator() *persistence.Migrator {
	return persistence.NewMigrator(o.db, os.DirFS(o.MigrationsDir), o.logger)
}

func newUpCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.migrator().Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newDownCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rolled, err := opts.migrator().Down(cmd.Context())
			if err != nil {
				return err
			}
			if !rolled {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back 1 migration")
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations, err := opts.migrator().Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED AT")
			for _, m := range migrations {
				at := "pending"
				if m.Applied {
					at = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Version, m.Filename, at)
			}
			return w.Flush()
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
