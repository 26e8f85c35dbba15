package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/condmarket/internal/app"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			pg, err := app.OpenPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pg.Close()

			applied, err := pg.RunMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return render(cmd.OutOrStdout(), "json", map[string]any{"applied": applied}, nil)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, f := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", f)
			}
			return nil
		},
	}
}
