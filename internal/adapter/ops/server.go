package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
)

const (
	checkTimeout    = 5 * time.Second
	probeInterval   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Check is a named readiness probe of one dependency (broker, cache, database).
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server exposes liveness, readiness and Prometheus metrics over HTTP, and
// optionally the standard gRPC health service.
type Server struct {
	cfg     config.OpsConfig
	service string
	checks  []Check
	logger  *zap.Logger

	router *mux.Router
	health *health.Server
}

func New(cfg config.OpsConfig, service string, logger *zap.Logger, checks ...Check) *Server {
	s := &Server{
		cfg:     cfg,
		service: service,
		checks:  checks,
		logger:  logger,
		router:  mux.NewRouter(),
		health:  health.NewServer(),
	}

	s.router.HandleFunc("/healthz", s.liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readiness).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.authMiddleware)
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	var lis net.Listener
	if s.cfg.GRPCAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("ops HTTP server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if lis != nil {
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, s.health)
		reflection.Register(gs)

		g.Go(func() error {
			s.logger.Info("ops gRPC health server listening", zap.String("addr", s.cfg.GRPCAddr))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			s.watchHealth(ctx)
			s.health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

// watchHealth mirrors the readiness checks into the gRPC health service.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		s.updateHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if failed := s.runChecks(ctx); len(failed) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// runChecks returns the error message of every failing check by name.
func (s *Server) runChecks(ctx context.Context) map[string]string {
	failed := make(map[string]string)
	for _, c := range s.checks {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Probe(probeCtx)
		cancel()
		if err != nil {
			failed[c.Name] = err.Error()
		}
	}
	return failed
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   s.service,
	})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	failed := s.runChecks(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"service": s.service,
			"failed":  failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"service": s.service,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("ops request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// authMiddleware requires the bearer token on /metrics. Probes stay open so
// orchestrators can reach them without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path != "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
