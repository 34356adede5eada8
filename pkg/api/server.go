// Package api exposes the runtime over gRPC. It carries no
// process-manager-specific RPCs of its own (routing and dispatch stay
// in-process); its job is the operational surface a deployed runtime
// needs: standard gRPC health checking plus an HTTP mux for Prometheus
// scraping.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/metrics"
)

// RouterStatus is the minimal shape the server needs from a running
// router to answer health checks; satisfied by *processmanager.Router.
type RouterStatus interface {
	Err() error
	Done() <-chan struct{}
}

// Server is the runtime's gRPC surface: the built-in health service
// plus whatever is registered on top of it by the embedder.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	routers    map[string]RouterStatus
}

// Option configures a Server at construction time.
type Option func(*Server)

// NewServer creates a gRPC server with the grpc_health_v1 health
// service registered and a request-logging interceptor installed.
func NewServer(opts ...Option) *Server {
	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor()))
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthSrv,
		routers:    make(map[string]RouterStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GRPCServer exposes the underlying *grpc.Server so an embedder can
// register additional services before Start.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// WatchRouter ties a router's lifetime to the health service's overall
// SERVING status: once any watched router stops abnormally, the health
// service reports NOT_SERVING for the "" (overall) service.
func (s *Server) WatchRouter(name string, r RouterStatus) {
	s.routers[name] = r
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	go func() {
		<-r.Done()
		status := healthpb.HealthCheckResponse_SERVING
		if r.Err() != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, status)
		s.health.SetServingStatus("", status)
	}()
}

// Start serves gRPC on addr until the listener errors or is closed.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// MetricsServer is a plain HTTP server exposing /metrics and /health on
// a port separate from the gRPC listener.
type MetricsServer struct {
	mux *http.ServeMux
}

// NewMetricsServer builds the HTTP mux.
func NewMetricsServer() *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{mux: mux}
}

// Start serves HTTP on addr until it errors.
func (m *MetricsServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      m.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func loggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("grpc request")
		return resp, err
	}
}
