package logging

import (
	"context"
	"fmt"

	"github.com/ronappleton/dagengine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(cfg config.Config) (*zap.Logger, *Sink, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build(zap.Fields(zap.String("service", cfg.Telemetry.ServiceName)))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Logging.SinkURL == "" {
		return logger, nil, nil
	}
	sender := newSink(cfg.Logging.SinkURL, cfg.Logging.SinkAPIKey, cfg.Telemetry.ServiceName)
	sender.start()
	return attachSink(logger, sender), sender, nil
}

func Module() fx.Option {
	return fx.Provide(func(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
		logger, sender, err := New(cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				_ = logger.Sync()
				if sender != nil {
					return sender.Stop(ctx)
				}
				return nil
			},
		})
		return logger, nil
	})
}
