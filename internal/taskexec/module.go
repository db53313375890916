package taskexec

import (
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/engine"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func New(cfg config.TasksConfig) engine.TaskExecutor {
	if cfg.Driver == "http" {
		return NewHTTPExecutor(cfg.URL, cfg.APIKey, config.ParseDuration(cfg.Timeout, 0))
	}
	return Echo{}
}

func Module() fx.Option {
	return fx.Module("taskexec",
		fx.Provide(func(cfg config.Config, logger *zap.Logger) engine.TaskExecutor {
			logger.Info("task executor configured", zap.String("driver", cfg.Tasks.Driver), zap.String("url", cfg.Tasks.URL))
			return New(cfg.Tasks)
		}),
	)
}
