package grpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the health service name reported alongside the overall
// server status.
const EngineService = "dagengine.Engine"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe keeps the gRPC health status in line with whether the store can be
// reached.
type Probe struct {
	store    Pinger
	health   *health.Server
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	serving bool
	stop    chan struct{}
	done    chan struct{}
}

func NewProbe(st Pinger, hs *health.Server, log *zap.Logger, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Probe{store: st, health: hs, log: log, interval: interval, serving: true}
}

// Check pings the store once and publishes the result.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := p.store.Ping(ctx)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus("", status)
	p.health.SetServingStatus(EngineService, status)

	p.mu.Lock()
	changed := p.serving != (err == nil)
	p.serving = err == nil
	p.mu.Unlock()
	if changed {
		if err != nil {
			p.log.Warn("persistence unreachable", zap.Error(err))
		} else {
			p.log.Info("persistence reachable again")
		}
	}
	return err == nil
}

func (p *Probe) Start() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.Check(context.Background())
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.Check(context.Background())
			}
		}
	}()
}

func (p *Probe) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.health.Shutdown()
}
