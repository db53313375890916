package recovery

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resumer attaches a run loop to a persisted execution.
type Resumer interface {
	Resume(ctx context.Context, executionID string) error
}

// Manager re-attaches every non-terminal execution found in the store. It
// rebuilds nothing itself: the engine derives all state from the store.
type Manager struct {
	store       store.Store
	engine      Resumer
	logger      *zap.Logger
	parallelism int
}

func NewManager(st store.Store, e Resumer, logger *zap.Logger, parallelism int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Manager{store: st, engine: e, logger: logger, parallelism: parallelism}
}

// Recover resumes all active executions and returns how many were
// attached. Executions that finished between listing and resuming are
// ignored; any other failure aborts recovery.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.ListActiveExecutions(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		m.logger.Info("no executions to recover")
		return 0, nil
	}

	var resumed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			err := m.engine.Resume(gctx, id)
			switch {
			case err == nil:
				resumed.Add(1)
				m.logger.Info("execution recovered", zap.String("execution_id", id))
				return nil
			case errors.Is(err, engine.ErrExecutionNotActive):
				return nil
			default:
				m.logger.Error("execution recovery failed", zap.String("execution_id", id), zap.Error(err))
				return err
			}
		})
	}
	err = g.Wait()
	m.logger.Info("recovery finished", zap.Int("active", len(ids)), zap.Int64("resumed", resumed.Load()))
	return int(resumed.Load()), err
}
