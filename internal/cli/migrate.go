package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"storeops/internal/platform/postgres"
	"storeops/migrations"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply the embedded schema migrations to DATABASE_URL. Each migration runs
in its own transaction and is recorded in schema_migrations, so running the
command again is a no-op.

Example:
  DATABASE_URL=postgres://storeops@localhost/storeops storeops migrate
  storeops migrate --list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				names, err := migrations.Names()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			cfg := rootOpts.config()
			log := rootOpts.logger(cfg)
			db, err := postgres.Open(cmd.Context(), cfg.Postgres)
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("DATABASE_URL is required")
			}
			defer db.Close()

			applied, err := migrations.Apply(cmd.Context(), db, log)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations without connecting")
	return cmd
}
