package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/services"
)

// RunSource is the slice of the run service the API reads.
type RunSource interface {
	GetRun(ctx context.Context, runID string) (*services.AgentRun, error)
}

// Server serves the run execution HTTP surface: health, run status,
// live event streaming, stop, and metrics.
type Server struct {
	db       *database.Client
	kv       *kvstream.Client
	runs     RunSource
	pool     *queue.WorkerPool
	webhooks WebhookSink
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	engine  *gin.Engine
	httpSrv *http.Server
}

// ServerDeps carries the server's dependencies. DB, Pool, and Webhooks
// may be nil; nil Webhooks leaves the webhook route unregistered.
type ServerDeps struct {
	DB       *database.Client
	KV       *kvstream.Client
	Runs     RunSource
	Pool     *queue.WorkerPool
	Webhooks WebhookSink
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:       deps.DB,
		kv:       deps.KV,
		runs:     deps.Runs,
		pool:     deps.Pool,
		webhooks: deps.Webhooks,
		gatherer: deps.Gatherer,
		logger:   logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(s.logger), gin.Recovery(), securityHeaders())
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.healthHandler)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	v1.GET("/runs/:id", s.getRunHandler)
	v1.GET("/runs/:id/stream", s.streamRunHandler)
	v1.POST("/runs/:id/stop", s.stopRunHandler)
	if s.webhooks != nil {
		v1.POST("/billing/webhooks", s.webhookHandler)
	}
}

// Start runs the HTTP server. Blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	// No write timeout: the stream endpoint holds connections open for
	// the lifetime of a run.
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}
