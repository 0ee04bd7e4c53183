// Command spacegate runs the Matrix space gatekeeper, split into two
// processes that share one sqlite database: `spacegate bot` watches the
// monitored spaces and drives the membership state machine, `spacegate web`
// serves the profile pages and the identity-verification flow.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spacegate/internal/bot"
	"spacegate/internal/config"
	"spacegate/internal/db"
	"spacegate/internal/handlers"
	"spacegate/internal/linking"
	"spacegate/internal/matrix"
	"spacegate/internal/oidc"
	"spacegate/internal/web"
)

var rootCmd = &cobra.Command{
	Use:   "spacegate",
	Short: "Gatekeeper for a members-only Matrix space",
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Watch the monitored spaces and react to membership changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := matrix.NewClient(cfg.Homeserver, cfg.UserID, log)
		if err := client.LoginSharedSecret(ctx, cfg.SharedSecret, "spacegate-bot"); err != nil {
			return err
		}
		log.Info("logged in", "user", cfg.UserID, "homeserver", cfg.Homeserver)

		watcher := bot.New(client, conn, bot.Config{
			PublicSpaceID:  cfg.PublicSpaceID,
			PrivateSpaceID: cfg.PrivateSpaceID,
			BaseURL:        cfg.BaseURL,
			SkipEvents:     cfg.SkipEvents,
		}, log)

		err = watcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("bot stopped")
			return nil
		}
		return err
	},
}

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the profile pages and the identity-verification flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := matrix.NewClient(cfg.Homeserver, cfg.UserID, log)
		if err := client.LoginSharedSecret(ctx, cfg.SharedSecret, "spacegate-web"); err != nil {
			return err
		}

		verifier := oidc.NewVerifier(oidc.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			AuthURL:      cfg.OIDCAuthURL,
			TokenURL:     cfg.OIDCTokenURL,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       cfg.OIDCScopes,
			EmailPattern: cfg.OIDCEmailRegex,
		})
		h := handlers.New(linking.NewService(conn, log), verifier, client,
			cfg.PrivateSpaceID, cfg.BaseURL, log)

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           web.Router(h),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("web server listening", "addr", cfg.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func main() {
	rootCmd.AddCommand(botCmd, webCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
