package broadcast

import (
	"context"

	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("broadcast",
		fx.Provide(func(lc fx.Lifecycle, cfg config.Config, st store.Store, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
			var sinks []Sink
			if len(cfg.Notify.Webhooks) > 0 {
				n := NewNotifier(cfg.Notify.Webhooks, config.ParseDuration(cfg.Notify.Timeout, 0), logger.Named("notifier"))
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						n.Start()
						return nil
					},
					OnStop: n.Stop,
				})
				sinks = append(sinks, n)
			}
			return New(st, logger, m, cfg.Engine.SubscriberBuffer, sinks...)
		}),
	)
}
