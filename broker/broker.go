// Package broker is the main orchestrator that ties the broker's components
// together: store, auth, room registry, socket server, and HTTP ingress.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomflow/loom/api"
	"github.com/loomflow/loom/auth"
	"github.com/loomflow/loom/config"
	"github.com/loomflow/loom/socket"
	"github.com/loomflow/loom/store"
)

// Broker is the main broker process.
type Broker struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	socket       *socket.Server
	api          *api.Server
	logger       *slog.Logger
}

// New creates a broker from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	sock := socket.NewServer(db, authProvider, logger, socket.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		MaxConnsPerUser:   cfg.Session.MaxConnsPerUser,
		TombstoneLifetime: cfg.Session.TombstoneLifetime.Duration,
	})

	apiSrv := api.NewServer(db, sock, cfg.Server.MaxBodyBytes, logger)

	b := &Broker{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		socket:       sock,
		api:          apiSrv,
		logger:       logger.With("component", "broker"),
	}

	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Warn("allowed_origins is empty — all WebSocket origins accepted; restrict in production")
	}

	return b, nil
}

// Run starts the broker HTTP server and blocks until the context is canceled.
func (b *Broker) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", b.cfg.Server.Addr)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			b.logger.Warn("TLS not configured, running without encryption (private network only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down broker gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		b.logger.Info("closing store")
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = b.store.Close()
		return err
	}
}
