package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chhz0/taskq/config"
	"github.com/chhz0/taskq/core"
	"github.com/chhz0/taskq/middleware"
	"github.com/chhz0/taskq/server"
	"github.com/chhz0/taskq/storage"
	"github.com/chhz0/taskq/telemetry"
	"github.com/chhz0/taskq/transport"
	"github.com/go-redis/redis/v8"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdown, err := telemetry.InitTracer(ctx, "taskq-coordinator", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	opts := storage.Options{Backend: cfg.StoreBackend, Path: cfg.StorePath}
	if cfg.StoreBackend == storage.BackendRedis {
		// redis 存储的 Close 会关闭客户端，单独给它一个
		opts.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}
	store, err := storage.Open(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	stream := transport.NewRedisStream(rdb, cfg.StreamName, cfg.ConsumerGroup)
	if err := stream.EnsureGroup(ctx); err != nil {
		return err
	}

	workers := core.NewWorkerRegistry(store)
	tasks := core.NewTaskRegistry(store, workers, cfg.MaxRetries)
	dispatcher := core.NewDispatcher(tasks, stream)

	srv := server.NewServer(server.Config{
		HTTPAddr:       cfg.HTTPAddr,
		GRPCAddr:       cfg.GRPCAddr,
		LivenessWindow: cfg.LivenessWindow,
		ScanPeriod:     cfg.ScanPeriod,
		TaskTimeout:    cfg.TaskTimeout,
		Tokens:         cfg.APITokens,
	}, tasks, workers, dispatcher)

	if cfg.EmbeddedWorkers > 0 {
		exec := core.NewHandlerRegistry(
			middleware.Recover(),
			middleware.Logger(),
			middleware.Tracing(),
			middleware.Timeout(cfg.TaskTimeout),
		)
		(&core.Builtins{}).Register(exec)
		local := &core.LocalCoordinator{Tasks: tasks, Workers: workers}
		cache := transport.NewRedisResultCache(rdb)

		for i := 0; i < cfg.EmbeddedWorkers; i++ {
			wc := consumerConfig(cfg)
			wc.WorkerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
			wc.ConsumerName = ""
			srv.AddConsumers(core.NewConsumer(wc, stream, local, exec).WithResultSink(cache))
		}
	}

	return srv.Run(ctx)
}

func consumerConfig(cfg config.Config) core.ConsumerConfig {
	return core.ConsumerConfig{
		WorkerID:        cfg.WorkerID,
		ConsumerName:    cfg.Consumer(),
		HostAddress:     cfg.WorkerHost,
		Port:            cfg.WorkerPort,
		BatchSize:       cfg.BatchSize,
		Block:           cfg.BlockTimeout,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		HeartbeatRetry:  cfg.HeartbeatRetry,
		ClaimMinIdle:    cfg.ClaimMinIdle,
		ClaimPeriod:     cfg.ClaimPeriod,
	}
}
