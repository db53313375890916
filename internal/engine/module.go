package engine

import (
	"context"

	"github.com/ronappleton/dagengine/internal/broadcast"
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ConfigFrom(cfg config.EngineConfig) Config {
	return Config{
		MaxConcurrentNodes:        cfg.MaxConcurrentNodes,
		MaxConcurrentPerExecution: cfg.MaxConcurrentPerExecution,
		DefaultMaxAttempts:        cfg.DefaultMaxAttempts,
		BackoffBase:               config.ParseDuration(cfg.BackoffBase, 0),
		BackoffMax:                config.ParseDuration(cfg.BackoffMax, 0),
		NodeTimeout:               config.ParseDuration(cfg.NodeTimeout, 0),
	}
}

type params struct {
	fx.In

	Config      config.Config
	Store       store.Store
	Tasks       TaskExecutor
	Broadcaster *broadcast.Broadcaster
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Shutdowner  fx.Shutdowner
}

func Module() fx.Option {
	return fx.Module("engine",
		fx.Provide(func(p params) *Engine {
			return New(ConfigFrom(p.Config.Engine), p.Store, p.Tasks, p.Broadcaster, p.Logger,
				WithMetrics(p.Metrics),
				WithFatalHandler(func(err error) {
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}),
			)
		}),
		fx.Invoke(func(lc fx.Lifecycle, e *Engine) {
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
				e.Close()
				return nil
			}})
		}),
	)
}
