package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zonewatch/internal/config"
	"zonewatch/internal/storage"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the storage schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}

// openStore loads config, opens the configured store and applies the schema.
func openStore(ctx context.Context, opts *RootOptions) (storage.Store, *config.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	cfg := mgr.Get()
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to initialize schema", err)
	}
	return store, cfg, nil
}
