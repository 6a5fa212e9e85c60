package main

import (
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/profilestore"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List persisted learning profiles",
	Long: `List the learning profiles saved by the configured store backend.

Examples:
  WEIGHTOPT_STORE_BACKEND=sqlite WEIGHTOPT_STORE_PATH=~/.config/weightopt/profiles.db weightopt profiles`,
	RunE: runProfiles,
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := profilestore.NewStore(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to create profile store: %w", err)
	}
	if store == nil {
		return fmt.Errorf("no profile store configured (store.backend is %q)", cfg.Store.Backend)
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	records, err := store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), records)
}
