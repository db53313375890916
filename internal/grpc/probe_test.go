package grpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct{ down atomic.Bool }

func (f *fakePinger) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestProbeFollowsStoreReachability(t *testing.T) {
	hs := health.NewServer()
	pinger := &fakePinger{}
	probe := NewProbe(pinger, hs, zaptest.NewLogger(t), 0)
	ctx := context.Background()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: EngineService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.True(t, probe.Check(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status())

	pinger.down.Store(true)
	assert.False(t, probe.Check(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status())

	pinger.down.Store(false)
	assert.True(t, probe.Check(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status())
}
