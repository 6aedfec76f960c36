package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/astromechza/wavesync/internal/config"
	"github.com/astromechza/wavesync/pkg/doccache"
	"github.com/astromechza/wavesync/pkg/persist"
	"github.com/astromechza/wavesync/pkg/presence"
	"github.com/astromechza/wavesync/pkg/relay"
	"github.com/astromechza/wavesync/pkg/server"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.ParseServer(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening persistence", "driver", cfg.Driver)
	bridge, err := persist.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer bridge.Close()

	cache := doccache.New(bridge, doccache.Options{
		TTL:           cfg.CacheTTL,
		FlushInterval: cfg.FlushInterval,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
	})

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	relayOpts := relay.Options{
		NodeID: nodeID,
		Logger: logger,
		Presence: presence.Options{
			Debounce:      cfg.PresenceDebounce,
			TTL:           cfg.PresenceTTL,
			PruneInterval: cfg.PresencePruneInterval,
			Logger:        logger,
		},
	}
	if cfg.RedisURL != "" {
		fanout, err := relay.NewRedisFanout(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer fanout.Close()
		relayOpts.Fanout = fanout
		slog.Info("Fan-out enabled", "node", nodeID)
	}
	r := relay.New(cache, relayOpts)
	srv := server.New(cache, r, bridge, server.Options{Addr: cfg.Addr, Logger: logger})

	go func() {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	slog.Info("Stopped", "stats", fmt.Sprintf("%+v", cache.Stats()))
	return nil
}
