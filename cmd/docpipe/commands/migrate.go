package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		spin := ui.NewSpinner(fmt.Sprintf("Migrating %s database", cfg.Database.Driver))
		spin.Start()
		store, err := storage.Open(ctx, cfg.Database)
		spin.Stop()
		if err != nil {
			return err
		}
		defer store.Close()

		ui.Success("Database schema is up to date (%s)", store.Driver())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
