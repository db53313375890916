package store

import (
	"context"
	"fmt"

	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(newFromConfig),
	)
}

// Open builds the backend selected by cfg.Storage.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (Store, error) {
	opts := Options{
		Retry: RetryPolicy{
			MaxAttempts:     cfg.Storage.Retry.MaxAttempts,
			InitialInterval: config.ParseDuration(cfg.Storage.Retry.InitialInterval, 0),
			MaxInterval:     config.ParseDuration(cfg.Storage.Retry.MaxInterval, 0),
		},
		Logger: logger.Named("store"),
	}
	if m != nil {
		opts.Observer = m
	}
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := NewPGStore(ctx, PGConfig{DSN: cfg.Storage.DSN, MaxConns: cfg.Storage.MaxConns}, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := NewBadgerStore(BadgerConfig{Path: cfg.Storage.Path}, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newFromConfig(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (Store, error) {
	s, err := Open(context.Background(), cfg, logger, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}
