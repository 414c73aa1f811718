package storage

import (
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Options struct {
	Backend string
	Path    string
	// Redis 仅 redis 后端使用，关闭存储时一并关闭
	Redis *redis.Client
}

func Open(opts Options) (Storage, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendBolt:
		return NewBoltStorage(opts.Path)
	case BackendSQLite, "":
		return NewSQLiteStorage(opts.Path)
	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("storage: redis backend requires a client")
		}
		return NewRedisStorage(opts.Redis), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
