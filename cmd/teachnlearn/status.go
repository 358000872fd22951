package main

import (
	"context"
	"fmt"
	"time"

	teachnlearn "github.com/anandamarsh/teachnlearn-sub001"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and API status",
	Long:  "Display the effective configuration, check whether the token has expired, and probe the API health endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, teachnlearn.DefaultBaseURL+" (default)"))
		fmt.Printf("  Audience:  %s\n", valueOrDefault(cfg.Default.Audience, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  Token exp: %s\n", tokenStatus(cfg.Default.Token, time.Now()))

		fmt.Println()
		fmt.Println("Live status:")

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error probing API: %v\n", err)
			return nil
		}
		fmt.Printf("  Service:   %s\n", health.Service)
		fmt.Printf("  Status:    %s\n", health.Status)
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	expires, ok := teachnlearn.TokenExpiry(token)
	if !ok {
		return "present (no expiry)"
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
