package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token to store alongside the base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.teachnlearn/config.toml",
	Long:  "Initialize the teachnlearn CLI by storing the API base URL (and optionally a token) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.base_url", args[0]); err != nil {
			return err
		}
		if initToken != "" {
			cfg.Default.Token = initToken
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
