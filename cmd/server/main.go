// Command server runs the defstore HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/defstore-io/defstore/internal/api"
	"github.com/defstore-io/defstore/internal/config"
	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/identity"
	"github.com/defstore-io/defstore/internal/middleware"
	"github.com/defstore-io/defstore/internal/platform/migrations"
	"github.com/defstore-io/defstore/internal/secretstore"
	"github.com/defstore-io/defstore/internal/storage"
	"github.com/defstore-io/defstore/internal/storage/memory"
	"github.com/defstore-io/defstore/internal/storage/pool"
	"github.com/defstore-io/defstore/internal/storage/postgres"
	"github.com/defstore-io/defstore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := definition.NewRegistry()
	if err := definition.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register definition kinds: %w", err)
	}

	var resolver secretstore.Resolver
	if cfg.Secrets.BaseURL != "" {
		client, err := secretstore.New(secretstore.Config{
			BaseURL: cfg.Secrets.BaseURL,
			HTTPClient: &http.Client{
				Timeout: time.Duration(cfg.Secrets.TimeoutSeconds) * time.Second,
			},
		})
		if err != nil {
			return fmt.Errorf("configure secret store: %w", err)
		}
		resolver = client
	} else {
		log.Warn("no secret store configured; definitions with secret references will not decode")
	}
	codec := definition.NewCodec(registry, resolver)

	store, cleanup, err := buildStore(ctx, cfg, codec, log)
	if err != nil {
		return fmt.Errorf("configure storage: %w", err)
	}
	defer cleanup()

	svc := api.New(store, codec, log, cfg.Storage.DefaultPool)

	var handler http.Handler = svc.Router()
	if cfg.Server.RateLimitPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst, log)
		handler = limiter.Middleware()(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg *config.Config, codec *definition.Codec, log *logger.Logger) (storage.DefinitionStore, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		router := pool.NewRouter(nil)
		for name, poolCfg := range cfg.Storage.Pools {
			err := router.Open(ctx, name, pool.Options{
				DSN:             poolCfg.DSN,
				MaxOpenConns:    poolCfg.MaxOpenConns,
				MaxIdleConns:    poolCfg.MaxIdleConns,
				ConnMaxLifetime: time.Duration(poolCfg.ConnMaxLifetime) * time.Second,
			})
			if err != nil {
				router.Close()
				return nil, nil, err
			}

			db, _ := router.DB(name)
			if err := migrations.Apply(ctx, db); err != nil {
				router.Close()
				return nil, nil, fmt.Errorf("apply migrations to pool %s: %w", name, err)
			}
			log.WithField("pool", name).Info("storage pool ready")
		}

		repo := postgres.New(router, codec,
			postgres.WithIdentity(identity.ContextProvider{}),
			postgres.WithLogger(log),
		)
		cleanup := func() {
			if err := router.Close(); err != nil {
				log.WithError(err).Warn("error closing storage pools")
			}
		}
		return repo, cleanup, nil

	case "memory":
		store := memory.New(codec,
			memory.WithIdentity(identity.ContextProvider{}),
			memory.WithLogger(log),
		)
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
