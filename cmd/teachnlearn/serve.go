package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anandamarsh/teachnlearn-sub001/hub"
	"github.com/spf13/cobra"
)

var (
	serveAddr          string
	serveJWTSecret     string
	servePublishSecret string
	serveOrigins       []string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default serve.addr or :8000)")
	serveCmd.Flags().StringVar(&serveJWTSecret, "jwt-secret", "", "HS256 secret for channel tokens (default serve.jwt_secret)")
	serveCmd.Flags().StringVar(&servePublishSecret, "publish-secret", "", "HMAC secret for POST /events (default serve.publish_secret)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "Browser origin patterns allowed to connect")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local event hub",
	Long:  "Run a development event hub serving /ws/lessons and a signed POST /events publish endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}

		srv, addr, err := newHubServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serveUntil(ctx, srv, addr)
	},
}

// newHubServer builds the dev hub from flags, falling back to the [serve]
// config section.
func newHubServer(cfg *Config) (*hub.Server, string, error) {
	addr := valueOrDefault(serveAddr, valueOrDefault(cfg.Serve.Addr, ":8000"))
	jwtSecret := valueOrDefault(serveJWTSecret, cfg.Serve.JWTSecret)
	if jwtSecret == "" {
		return nil, "", errors.New("a JWT secret is required (--jwt-secret or serve.jwt_secret)")
	}

	srv, err := hub.NewServer(hub.New(logger), hub.ServerConfig{
		JWTSecret:      jwtSecret,
		PublishSecret:  valueOrDefault(servePublishSecret, cfg.Serve.PublishSecret),
		OriginPatterns: serveOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, "", err
	}
	return srv, addr, nil
}

// serveUntil runs srv on addr until ctx is done, then shuts it down.
func serveUntil(ctx context.Context, srv *hub.Server, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}
