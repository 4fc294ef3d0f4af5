package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/AgentOS/isolates/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
)

// Deps are the components the server is built around.
type Deps struct {
	Runtime  *isolate.Runtime
	Snapshot *isolate.Snapshot
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	handler http.Handler
	tracer  *tracing.Tracer
	logger  *logging.Logger
	config  *config.Config
}

// NewServer builds the router for the isolate API.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Runtime == nil {
		return nil, errors.New("server requires an isolate runtime")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}

	tracer := tracing.New("isolates", logger.Logger)
	handlers := apihttp.NewHandlers(deps.Runtime, apihttp.Options{
		EvalTimeout: cfg.Runtime.EvalTimeout,
		MaxIsolates: cfg.Runtime.MaxIsolates,
		Snapshot:    deps.Snapshot,
		Inspector:   cfg.Inspector.Enabled,
	}, tracer, deps.Metrics, logger.Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(deps.Metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(monitoring.Handler(gatherer)))
	router.GET("/metrics/json", handlers.MetricsJSON)

	isolates := router.Group("/isolates")
	isolates.POST("", handlers.CreateIsolate)
	isolates.GET("", handlers.ListIsolates)
	isolates.GET("/:id", handlers.GetIsolate)
	isolates.DELETE("/:id", handlers.DeleteIsolate)

	eval := []gin.HandlerFunc{handlers.Eval}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limit := middleware.DefaultRateLimitConfig()
		limit.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limit.Burst = cfg.RateLimit.Burst
		eval = append([]gin.HandlerFunc{middleware.RateLimit(limit)}, eval...)
	}
	isolates.POST("/:id/eval", eval...)

	if cfg.Inspector.Enabled {
		inspector := ws.NewHandler(handlers.Lookup, deps.Metrics, logger.Logger)
		isolates.GET("/:id/inspector", inspector.HandleConnection)
	}

	s := &Server{
		router: router,
		tracer: tracer,
		logger: logger,
		config: cfg,
	}
	s.handler = router
	if cfg.Server.Compression {
		s.handler = compress(router)
	}
	return s, nil
}

// compress gzips responses except websocket upgrades, which need the raw
// connection.
func compress(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the server's background resources.
func (s *Server) Close() error {
	s.tracer.Close()
	_ = s.logger.Sync()
	return nil
}
