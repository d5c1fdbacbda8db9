package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
)

// defaultConfigPath is used when neither --config nor CLOUDCONTROL_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "cloudcontrol",
		Short:         "CloudControl Core: device session server for Android device farms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.yaml (default $CLOUDCONTROL_CONFIG or "+defaultConfigPath+")")

	load := func() (*config.Config, string, error) {
		return loadConfig(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newConfigCmd(load),
		newVersionCmd(),
	)

	return rootCmd
}

// configLoader loads the configuration and reports where it came from.
type configLoader func() (*config.Config, string, error)

// loadConfig resolves the configuration path and loads it.
//
// An explicit path must exist. When only the default path is in play and no
// file is there, the built-in defaults (plus environment overrides) are used.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("CLOUDCONTROL_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	cfg, err = config.LoadDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("loading default config: %w", err)
	}
	return cfg, "", nil
}
