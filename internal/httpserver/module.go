package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ronappleton/dagengine/internal/broadcast"
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	store   store.Store
	engine  *engine.Engine
	events  *broadcast.Broadcaster
	metrics *metrics.Metrics
	handler http.Handler
	srv     *http.Server
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, logger *zap.Logger, st store.Store, e *engine.Engine, events *broadcast.Broadcaster, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		engine:  e,
		events:  events,
		metrics: m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /templates", s.handleTemplates)

	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecute)

	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /executions/{id}/nodes/{node}/approve", s.handleApprove)
	mux.HandleFunc("GET /executions/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /executions/{id}/events", s.handleEventStream)
	mux.HandleFunc("GET /executions/{id}/events.json", s.handleEventPage)
	mux.HandleFunc("GET /executions/{id}/ws", s.handleEventSocket)

	s.handler = otelhttp.NewHandler(mux, "dagengine.http")
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
