package grpc

import (
	"context"
	"net"

	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

var Module = fx.Options(
	fx.Provide(
		health.NewServer,
		NewServer,
		NewListener,
		func(st store.Store, hs *health.Server, log *zap.Logger) *Probe {
			return NewProbe(st, hs, log.Named("health"), 0)
		},
	),
	fx.Invoke(lifecycleHook),
)

func lifecycleHook(lc fx.Lifecycle, log *zap.Logger, srv *grpc.Server, lis net.Listener, probe *Probe) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			probe.Start()
			log.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("grpc server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("grpc server stopping")
			probe.Stop()
			srv.GracefulStop()
			return nil
		},
	})
}
