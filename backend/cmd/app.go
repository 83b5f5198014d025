package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/synapse-relay/backend/config"
	"github.com/adwski/synapse-relay/backend/provider"
	httpServer "github.com/adwski/synapse-relay/backend/server/http"
	websocketServer "github.com/adwski/synapse-relay/backend/server/websocket"
	"github.com/adwski/synapse-relay/backend/service"
	"github.com/adwski/synapse-relay/backend/storage"
	sw "github.com/adwski/synapse-relay/backend/switch"
	"github.com/rs/zerolog"
)

const storageOpenTimeout = 15 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	backend, _ := storage.Backend(cfg.StorageDSN)
	openCtx, openCancel := context.WithTimeout(context.Background(), storageOpenTimeout)
	store, err := storage.Open(openCtx, cfg.StorageDSN)
	openCancel()
	if err != nil {
		logger.Fatal().Err(err).Str("backend", backend).Msg("failed to open message store")
	}
	logger.Info().Str("backend", backend).Msg("message store ready")

	rooms, err := provider.New(provider.Config{
		Kind:            cfg.Provider,
		BaseURL:         cfg.ProviderURL,
		APIKey:          cfg.ProviderAPIKey,
		MaxParticipants: cfg.MaxParticipants,
		RoomTTL:         cfg.RoomTTL,
	})
	if err != nil {
		_ = store.Close()
		logger.Fatal().Err(err).Msg("failed to configure call room provider")
	}

	svc := service.NewService(service.Config{
		Store:           store,
		Switch:          sw.NewSwitch(&logger, cfg.ForwardTimeout),
		Provider:        rooms,
		Logger:          &logger,
		RecoveryLimit:   cfg.RecoveryLimit,
		MaxMediaBytes:   cfg.MaxMediaBytes,
		MaxTextBytes:    cfg.MaxTextBytes,
		MaxParticipants: cfg.MaxParticipants,
		ProviderTimeout: cfg.ProviderTimeout,
		RoomTTL:         cfg.RoomTTL,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Store:      store,
		StaticDir:  cfg.StaticDir,
		ListenAddr: cfg.HTTPListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     cfg.WSListenAddr,
		AuthTimeout:    cfg.AuthTimeout,
		MaxMessageSize: websocketServer.ReadLimit(cfg.MaxMediaBytes),
		WireBufferSize: cfg.WireBufferSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case err = <-svc.Faults():
		logger.Error().Err(err).Msg("relay fault, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	if err = store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close message store")
	}
}
