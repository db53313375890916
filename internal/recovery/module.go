package recovery

import (
	"context"

	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module runs recovery during fx start. It must be listed before the
// servers so executions are re-attached before traffic is accepted.
func Module() fx.Option {
	return fx.Module("recovery",
		fx.Provide(func(cfg config.Config, st store.Store, e *engine.Engine, logger *zap.Logger) *Manager {
			return NewManager(st, e, logger.Named("recovery"), cfg.Engine.RecoveryParallelism)
		}),
		fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
			lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
				_, err := m.Recover(ctx)
				return err
			}})
		}),
	)
}
