package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatter/internal/auth"
	"chatter/internal/config"
	"chatter/internal/ephemeral"
	"chatter/internal/filestore"
	chathttp "chatter/internal/http"
	"chatter/internal/provider"
	"chatter/internal/storage"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the API and admin servers until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry.Duration,
	}

	db, err := storage.NewBboltStorage(cfg.DBFile, storage.NewFeed(0, logger))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(ctx, authConfig)
	if err != nil {
		return err
	}

	var presence provider.Ephemeral
	if cfg.RedisAddr != "" {
		r := ephemeral.NewRedis(cfg.RedisAddr, logger)
		defer func() { _ = r.Close() }()
		if err := r.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		presence = r
	} else {
		presence = ephemeral.NewHub(0, logger)
	}

	adminServer := chathttp.NewAdminServer(issuer, db, cfg.AdminAddr)
	apiServer := chathttp.NewAPIServer(ctx, issuer, presence, files, db, cfg.APIAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := adminServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
