package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"zonewatch/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	JSON       bool
}

func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "zonewatch",
		Short:         "Geofence transition detection and notification",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml or json); env ZONEWATCH_CONFIG")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading config")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print machine-readable output")

	cmd.AddCommand(NewServeCommand(opts, version))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewZonesCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewConfigCommand())

	return cmd
}

// loadEnvFile never overrides variables already set in the environment. A
// missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to load env file", err)
	}
	return nil
}

// loadConfig returns a watching manager when a config file is given and a
// static one built from defaults plus environment otherwise.
func loadConfig(opts *RootOptions) (*config.Manager, error) {
	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv("ZONEWATCH_CONFIG")
	}
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		return config.NewStaticManager(cfg), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load config %s", path), err)
	}
	return mgr, nil
}
