// server/server.go
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chhz0/taskq/core"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "taskq.Coordinator"

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	LivenessWindow time.Duration
	ScanPeriod     time.Duration
	TaskTimeout    time.Duration
	// Tokens token -> owner；为空时不校验身份
	Tokens map[string]string
}

type Server struct {
	cfg        Config
	tasks      *core.TaskRegistry
	workers    *core.WorkerRegistry
	dispatcher *core.Dispatcher
	reclaimer  *core.Reclaimer
	consumers  []*core.Consumer
	auth       *tokenAuth

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

func NewServer(cfg Config, tasks *core.TaskRegistry, workers *core.WorkerRegistry, dispatcher *core.Dispatcher) *Server {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 5 * time.Minute
	}
	s := &Server{
		cfg:        cfg,
		tasks:      tasks,
		workers:    workers,
		dispatcher: dispatcher,
		reclaimer:  core.NewReclaimer(tasks, cfg.ScanPeriod, cfg.TaskTimeout),
		auth:       newTokenAuth(cfg.Tokens),
		health:     health.NewServer(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// AddConsumers 随服务一起启停的嵌入式节点
func (s *Server) AddConsumers(consumers ...*core.Consumer) {
	s.consumers = append(s.consumers, consumers...)
}

// GRPC 健康检查服务，Run 会在 GRPCAddr 上监听
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

func (s *Server) Handler() http.Handler {
	return tracing(newRouter(s))
}

// Run 阻塞直到 ctx 取消或监听失败，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(s.cfg.Tokens) == 0 {
		log.Printf("[server] no API tokens configured, authentication disabled")
	}

	serverErr := make(chan error, 2)
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			log.Printf("[server] grpc health listening on %s", s.cfg.GRPCAddr)
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serverErr <- err
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reclaimer.Run(ctx)
	}()

	for _, c := range s.consumers {
		if err := c.Start(ctx); err != nil {
			log.Printf("[server] embedded worker start failed worker=%s err=%v", c.WorkerID(), err)
		}
	}

	go func() {
		log.Printf("[server] http listening on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	// 优雅关闭
	s.health.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	s.grpcServer.GracefulStop()

	for _, c := range s.consumers {
		c.Stop()
	}
	cancel()
	wg.Wait()
	log.Printf("[server] shutdown complete")
	return runErr
}
