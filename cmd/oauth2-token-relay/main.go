// Package main implements the OAuth2 token relay server
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wrale/oauth2-token-relay/internal/oauthclient"
	"github.com/wrale/oauth2-token-relay/internal/provider"
	"github.com/wrale/oauth2-token-relay/internal/relayflow"
	"github.com/wrale/oauth2-token-relay/internal/state"
	"github.com/wrale/oauth2-token-relay/internal/tokenstore"
)

// Version is set by the build process
var Version = "dev"

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Load configuration from environment; missing required values refuse
	// startup rather than running with security checks disabled
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	registry, err := provider.LoadFile(cfg.ProvidersFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading provider registry")
	}
	logger.Info().Strs("providers", registry.Names()).Msg("provider registry loaded")

	signer, err := state.NewSigner([]byte(cfg.StateSecret))
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing state signer")
	}

	// Select the token store backend
	var store tokenstore.Store
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parsing Redis URL")
		}
		redisClient = redis.NewClient(redisOpts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("connecting to Redis")
		}
		store = tokenstore.NewRedisStore(redisClient)
	} else {
		logger.Warn().Msg("REDIS_URL not set, using in-memory token store; tokens will not survive restarts")
		store = tokenstore.NewMemoryStore()
	}

	oauth := oauthclient.New(logger.With().Str("component", "oauthclient").Logger(),
		oauthclient.WithTimeout(cfg.ProviderTimeout),
		oauthclient.WithRefreshMargin(cfg.RefreshMargin),
	)

	flow := relayflow.New(registry, store, oauth, signer, cfg.BaseURL, cfg.AppReturnURI,
		relayflow.WithFreshnessWindow(cfg.FreshnessWindow),
		relayflow.WithLogger(logger.With().Str("component", "relayflow").Logger()),
	)

	srv := newServer(cfg, flow, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info().Int("port", cfg.Port).Str("version", Version).Msg("server listening")
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal().Err(err).Msg("server failed")

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("starting shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("closing server")
			}
		}

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("closing Redis connection")
			}
		}
	}
}
