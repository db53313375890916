package cli

import (
	"errors"
	"fmt"

	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/store"
	"github.com/spf13/cobra"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("migrate requires storage.driver postgres")
			}
			// NewPGStore applies migrations before returning.
			st, err := store.NewPGStore(cmd.Context(), store.PGConfig{DSN: cfg.Storage.DSN, MaxConns: cfg.Storage.MaxConns}, store.Options{})
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
