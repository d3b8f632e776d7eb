// Package api provides the HTTP and gRPC servers for evbacktest, exposing
// backtest runs, parameter sweeps, stored run history and bar data, and
// pushing completed runs to WebSocket subscribers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"evbacktest/internal/config"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
)

const shutdownTimeout = 5 * time.Second

// Deps are the components the handlers serve from. Runs and Fills may be nil,
// in which case results are not persisted and the run history routes report
// 503.
type Deps struct {
	Backtester *strategy.Backtester
	Bars       store.BarStore
	Runs       store.RunStore
	Fills      store.FillStore
	// Defaults fill in request fields left at zero.
	Defaults config.BacktestConfig
	Logger   *slog.Logger
}

// Server is the evbacktest API server. It hosts the HTTP API and, when a
// gRPC address is set, the Backtester gRPC service next to it.
type Server struct {
	deps     Deps
	log      *slog.Logger
	hub      *Hub
	http     *http.Server
	grpc     *grpc.Server
	health   *health.Server
	grpcAddr string
}

// NewServer creates a Server with HTTP on httpAddr and gRPC on grpcAddr. An
// empty grpcAddr leaves the gRPC listener off in ListenAndServe.
func NewServer(httpAddr, grpcAddr string, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{deps: d, log: log.With("component", "api"), grpcAddr: grpcAddr}
	s.hub = NewHub(s.log)
	s.grpc, s.health = s.newGRPCServer()

	router := gin.New()
	router.Use(recovery(), requestLogger(s.log))
	s.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.http = &http.Server{
		Addr:              httpAddr,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterRoutes mounts every route on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/strategies", s.handleStrategies)
		v1.POST("/backtest", s.handleBacktest)
		v1.POST("/backtest/sweep", s.handleSweep)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/bars", s.handleBars)
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Addr returns the HTTP listen address.
func (s *Server) Addr() string { return s.http.Addr }

// GRPCAddr returns the gRPC listen address, or "" when gRPC is off.
func (s *Server) GRPCAddr() string { return s.grpcAddr }

// ServeGRPC serves the gRPC services on lis until Shutdown.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.log.Info("grpc listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// ListenAndServe serves HTTP, and gRPC when configured, until ctx is
// cancelled or either listener fails, then shuts both down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listening on grpc %s: %w", s.grpcAddr, err)
		}
		go func() {
			if err := s.ServeGRPC(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	go func() {
		s.log.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, s.Shutdown(shutdownCtx))
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections, disconnects WebSocket subscribers and
// waits for in-flight requests and RPCs. RPCs still running when ctx expires
// are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	err := s.http.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}
	return err
}
