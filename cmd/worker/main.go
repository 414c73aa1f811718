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

	"github.com/chhz0/taskq/client"
	"github.com/chhz0/taskq/config"
	"github.com/chhz0/taskq/core"
	"github.com/chhz0/taskq/middleware"
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
	delay := flag.Duration("work-delay", 0, "simulated execution time per task")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, delay time.Duration) error {
	shutdown, err := telemetry.InitTracer(ctx, "taskq-worker", cfg.OTLPEndpoint)
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

	coord := client.New(cfg.CoordinatorURL, client.WithToken(cfg.APIToken))
	exec := core.NewHandlerRegistry(
		middleware.Recover(),
		middleware.Logger(),
		middleware.Tracing(),
		middleware.Timeout(cfg.TaskTimeout),
	)
	(&core.Builtins{Delay: delay}).Register(exec)

	stream := transport.NewRedisStream(rdb, cfg.StreamName, cfg.ConsumerGroup)
	consumer := core.NewConsumer(core.ConsumerConfig{
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
	}, stream, coord, exec).WithResultSink(transport.NewRedisResultCache(rdb))

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	log.Printf("[worker] %s consuming %s/%s", cfg.WorkerID, cfg.StreamName, cfg.ConsumerGroup)

	<-ctx.Done()
	consumer.Stop()
	return nil
}
