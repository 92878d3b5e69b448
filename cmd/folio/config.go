package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage folio configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write the default configuration to ~/.folio/config.yaml (or --config).

API keys are written as ${ENV_VAR} references and resolved when the file
is loaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			h, err := home.New(homeDir)
			if err != nil {
				return err
			}
			if err := h.EnsureExists(); err != nil {
				return err
			}
			path = h.ConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
