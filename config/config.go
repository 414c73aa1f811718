package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chhz0/taskq/storage"
	"github.com/google/uuid"
)

// AdminOwner 拥有该身份的 token 可以查看所有用户的任务
const AdminOwner = "*"

type Config struct {
	StreamName    string
	ConsumerGroup string
	ConsumerName  string // 为空时使用 WorkerID
	WorkerID      string
	BatchSize     int
	BlockTimeout  time.Duration

	HeartbeatPeriod time.Duration
	HeartbeatRetry  time.Duration
	TaskTimeout     time.Duration
	ScanPeriod      time.Duration
	MaxRetries      int
	LivenessWindow  time.Duration
	ClaimMinIdle    time.Duration // 0 关闭 pending 消息认领
	ClaimPeriod     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreBackend string
	StorePath    string

	HTTPAddr     string
	GRPCAddr     string // 为空不启动 gRPC 健康检查
	OTLPEndpoint string // 为空不导出 trace

	// APITokens token -> owner
	APITokens map[string]string

	CoordinatorURL  string
	APIToken        string
	WorkerHost      string
	WorkerPort      int
	EmbeddedWorkers int
}

func Default() Config {
	return Config{
		StreamName:      "task-queue",
		ConsumerGroup:   "worker-group",
		WorkerID:        "worker-" + uuid.NewString(),
		BatchSize:       10,
		BlockTimeout:    5 * time.Second,
		HeartbeatPeriod: 30 * time.Second,
		HeartbeatRetry:  10 * time.Second,
		TaskTimeout:     30 * time.Minute,
		ScanPeriod:      5 * time.Minute,
		MaxRetries:      3,
		LivenessWindow:  5 * time.Minute,
		ClaimMinIdle:    30 * time.Minute,
		ClaimPeriod:     time.Minute,
		RedisAddr:       "localhost:6379",
		StoreBackend:    storage.BackendSQLite,
		StorePath:       "taskq.db",
		HTTPAddr:        ":8080",
		CoordinatorURL:  "http://localhost:8080",
		APITokens:       map[string]string{},
	}
}

// Consumer 实际使用的消费者名
func (c Config) Consumer() string {
	if c.ConsumerName != "" {
		return c.ConsumerName
	}
	return c.WorkerID
}

// FromEnv 在默认值之上应用 TASKQ_* 环境变量
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	e := envReader{lookup: lookup}

	e.str("TASKQ_STREAM", &c.StreamName)
	e.str("TASKQ_GROUP", &c.ConsumerGroup)
	e.str("TASKQ_CONSUMER", &c.ConsumerName)
	e.str("TASKQ_WORKER_ID", &c.WorkerID)
	e.int("TASKQ_BATCH_SIZE", &c.BatchSize)
	e.duration("TASKQ_BLOCK_TIMEOUT", &c.BlockTimeout)
	e.duration("TASKQ_HEARTBEAT_PERIOD", &c.HeartbeatPeriod)
	e.duration("TASKQ_HEARTBEAT_RETRY", &c.HeartbeatRetry)
	e.duration("TASKQ_TASK_TIMEOUT", &c.TaskTimeout)
	e.duration("TASKQ_SCAN_PERIOD", &c.ScanPeriod)
	e.int("TASKQ_MAX_RETRIES", &c.MaxRetries)
	e.duration("TASKQ_LIVENESS_WINDOW", &c.LivenessWindow)
	e.duration("TASKQ_CLAIM_MIN_IDLE", &c.ClaimMinIdle)
	e.duration("TASKQ_CLAIM_PERIOD", &c.ClaimPeriod)
	e.str("TASKQ_REDIS_ADDR", &c.RedisAddr)
	e.str("TASKQ_REDIS_PASSWORD", &c.RedisPassword)
	e.int("TASKQ_REDIS_DB", &c.RedisDB)
	e.str("TASKQ_STORE", &c.StoreBackend)
	e.str("TASKQ_STORE_PATH", &c.StorePath)
	e.str("TASKQ_HTTP_ADDR", &c.HTTPAddr)
	e.str("TASKQ_GRPC_ADDR", &c.GRPCAddr)
	e.str("TASKQ_OTLP_ENDPOINT", &c.OTLPEndpoint)
	e.str("TASKQ_COORDINATOR_URL", &c.CoordinatorURL)
	e.str("TASKQ_API_TOKEN", &c.APIToken)
	e.str("TASKQ_WORKER_HOST", &c.WorkerHost)
	e.int("TASKQ_WORKER_PORT", &c.WorkerPort)
	e.int("TASKQ_EMBEDDED_WORKERS", &c.EmbeddedWorkers)

	if v, ok := lookup("TASKQ_API_TOKENS"); ok {
		tokens, err := ParseTokens(v)
		if err != nil {
			return c, err
		}
		c.APITokens = tokens
	}
	if e.err != nil {
		return c, e.err
	}
	return c, nil
}

// RegisterFlags 以当前值为默认值注册命令行参数
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StreamName, "stream", c.StreamName, "stream name")
	fs.StringVar(&c.ConsumerGroup, "group", c.ConsumerGroup, "consumer group name")
	fs.StringVar(&c.ConsumerName, "consumer", c.ConsumerName, "consumer name (defaults to worker id)")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identifier")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "messages per read")
	fs.DurationVar(&c.BlockTimeout, "block-timeout", c.BlockTimeout, "stream read block timeout")
	fs.DurationVar(&c.HeartbeatPeriod, "heartbeat-period", c.HeartbeatPeriod, "heartbeat period")
	fs.DurationVar(&c.HeartbeatRetry, "heartbeat-retry", c.HeartbeatRetry, "heartbeat retry period after a failure")
	fs.DurationVar(&c.TaskTimeout, "task-timeout", c.TaskTimeout, "processing timeout before a task is reclaimed")
	fs.DurationVar(&c.ScanPeriod, "scan-period", c.ScanPeriod, "stale task scan period")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "max retries per task")
	fs.DurationVar(&c.LivenessWindow, "liveness-window", c.LivenessWindow, "heartbeat age after which a worker is inactive")
	fs.DurationVar(&c.ClaimMinIdle, "claim-min-idle", c.ClaimMinIdle, "claim pending entries idle this long (0 disables)")
	fs.DurationVar(&c.ClaimPeriod, "claim-period", c.ClaimPeriod, "pending entry claim period")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "record store: sqlite|bolt|redis|memory")
	fs.StringVar(&c.StorePath, "store-path", c.StorePath, "record store file path")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "coordinator HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, "OTLP gRPC endpoint (empty disables tracing)")
	fs.StringVar(&c.CoordinatorURL, "coordinator", c.CoordinatorURL, "coordinator base URL")
	fs.StringVar(&c.APIToken, "token", c.APIToken, "API token sent to the coordinator")
	fs.StringVar(&c.WorkerHost, "host", c.WorkerHost, "advertised worker host")
	fs.IntVar(&c.WorkerPort, "port", c.WorkerPort, "advertised worker port")
	fs.IntVar(&c.EmbeddedWorkers, "embedded-workers", c.EmbeddedWorkers, "workers run inside the coordinator")
	fs.Func("tokens", "API tokens as token:owner[,token:owner]", func(v string) error {
		tokens, err := ParseTokens(v)
		if err != nil {
			return err
		}
		c.APITokens = tokens
		return nil
	})
}

func (c Config) Validate() error {
	switch {
	case c.StreamName == "":
		return fmt.Errorf("config: stream name is required")
	case c.ConsumerGroup == "":
		return fmt.Errorf("config: consumer group is required")
	case c.WorkerID == "":
		return fmt.Errorf("config: worker id is required")
	case c.BatchSize <= 0:
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	case c.BlockTimeout < 0:
		return fmt.Errorf("config: block timeout must not be negative")
	case c.HeartbeatPeriod <= 0 || c.HeartbeatRetry <= 0:
		return fmt.Errorf("config: heartbeat periods must be positive")
	case c.TaskTimeout <= 0 || c.ScanPeriod <= 0:
		return fmt.Errorf("config: task timeout and scan period must be positive")
	case c.MaxRetries <= 0:
		return fmt.Errorf("config: max retries must be positive, got %d", c.MaxRetries)
	case c.LivenessWindow <= 0:
		return fmt.Errorf("config: liveness window must be positive")
	case c.ClaimMinIdle < 0 || c.ClaimPeriod <= 0:
		return fmt.Errorf("config: invalid pending claim settings")
	case c.EmbeddedWorkers < 0:
		return fmt.Errorf("config: embedded workers must not be negative")
	}

	switch c.StoreBackend {
	case storage.BackendMemory, storage.BackendRedis:
	case storage.BackendSQLite, storage.BackendBolt:
		if c.StorePath == "" {
			return fmt.Errorf("config: %s store requires a path", c.StoreBackend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// ParseTokens 解析 "token:owner,token:owner"
func ParseTokens(v string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, owner, ok := strings.Cut(pair, ":")
		if !ok || token == "" || owner == "" {
			return nil, fmt.Errorf("config: invalid token entry %q", pair)
		}
		tokens[token] = owner
	}
	return tokens, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = d
}
