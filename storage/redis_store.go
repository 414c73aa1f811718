// storage/redis_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chhz0/taskq/types"
	"github.com/go-redis/redis/v8"
)

// 乐观事务冲突时的最大重试次数
const maxTxRetries = 32

// getter 同时由 *redis.Client 与 WATCH 中的 *redis.Tx 实现
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStorage 每行一个 JSON 键，WATCH/MULTI 实现行级原子更新；
// 有序集合维护创建时间与 Processing 开始时间两个索引
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: "taskq:",
	}
}

func (s *RedisStorage) taskKey(id string) string   { return s.prefix + "task:" + id }
func (s *RedisStorage) createdIndex() string       { return s.prefix + "tasks:created" }
func (s *RedisStorage) processingIndex() string    { return s.prefix + "tasks:processing" }
func (s *RedisStorage) workerKey(id string) string { return s.prefix + "worker:" + id }
func (s *RedisStorage) workerSet() string          { return s.prefix + "workers" }
func (s *RedisStorage) workerRefKey(ref int64) string {
	return s.prefix + "worker:ref:" + strconv.FormatInt(ref, 10)
}

// CreateTask 行与索引在同一个 MULTI 中写入，不会出现有行无索引
func (s *RedisStorage) CreateTask(ctx context.Context, task *types.Task) error {
	id, err := s.client.Incr(ctx, s.prefix+"task:seq").Result()
	if err != nil {
		return err
	}
	task.ID = id

	key := s.taskKey(task.TaskID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return types.ErrDuplicateTaskID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.createdIndex(), &redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.TaskID})
			return s.writeTask(ctx, pipe, task)
		})
		return err
	}, key)
}

func (s *RedisStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return s.loadTask(ctx, s.client, taskID)
}

func (s *RedisStorage) UpdateTask(ctx context.Context, taskID string, fn TaskUpdateFunc) (*types.Task, error) {
	var task *types.Task
	key := s.taskKey(taskID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := s.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		task = current.Clone()
		if err := fn(task); err != nil {
			if errors.Is(err, ErrUnchanged) {
				task = current
				return nil
			}
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeTask(ctx, pipe, task)
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *RedisStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	ids, err := s.client.ZRevRange(ctx, s.createdIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	limit := normalizeLimit(filter.Limit)
	var tasks []*types.Task
	for _, id := range ids {
		task, err := s.loadTask(ctx, s.client, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		if filter.match(task) {
			tasks = append(tasks, task)
			if len(tasks) >= limit {
				break
			}
		}
	}
	return tasks, nil
}

func (s *RedisStorage) UpdateStaleTasks(ctx context.Context, cutoff time.Time, fn TaskUpdateFunc) ([]*types.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.processingIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}

	var updated []*types.Task
	err = s.watch(ctx, func(tx *redis.Tx) error {
		updated = updated[:0]
		for _, id := range ids {
			task, err := s.loadTask(ctx, tx, id)
			if errors.Is(err, types.ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// 索引可能滞后，以行内容为准
			if !isStale(task, cutoff) {
				continue
			}
			if err := fn(task); err != nil {
				return err
			}
			updated = append(updated, task)
		}
		if len(updated) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, task := range updated {
				if err := s.writeTask(ctx, pipe, task); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(updated)
	return updated, nil
}

func (s *RedisStorage) UpsertWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	key := s.workerKey(workerID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.loadWorker(ctx, tx, workerID)
		if err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
			return err
		}
		if existing != nil {
			worker = existing
		} else {
			worker = &types.Worker{WorkerID: workerID}
		}
		if err := fn(worker); err != nil {
			return err
		}
		if existing == nil {
			// 序号在事务外分配，冲突重试会留下空洞，不影响唯一性
			worker.ID, err = s.client.Incr(ctx, s.prefix+"worker:seq").Result()
			if err != nil {
				return err
			}
		}
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if existing == nil {
				pipe.SAdd(ctx, s.workerSet(), workerID)
				pipe.Set(ctx, s.workerRefKey(worker.ID), workerID, 0)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *RedisStorage) UpdateWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	key := s.workerKey(workerID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := s.loadWorker(ctx, tx, workerID)
		if err != nil {
			return err
		}
		worker = current.Clone()
		if err := fn(worker); err != nil {
			if errors.Is(err, ErrUnchanged) {
				worker = current
				return nil
			}
			return err
		}
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *RedisStorage) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	return s.loadWorker(ctx, s.client, workerID)
}

func (s *RedisStorage) GetWorkerByRef(ctx context.Context, ref int64) (*types.Worker, error) {
	workerID, err := s.client.Get(ctx, s.workerRefKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.loadWorker(ctx, s.client, workerID)
}

// ExpireWorkers 逐行条件更新，不做整表写
func (s *RedisStorage) ExpireWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.workerSet()).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		expired := false
		_, err := s.UpdateWorker(ctx, id, func(w *types.Worker) error {
			if !shouldExpire(w, cutoff) {
				return ErrUnchanged
			}
			w.Status = types.WorkerInactive
			expired = true
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (s *RedisStorage) ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	ids, err := s.client.SMembers(ctx, s.workerSet()).Result()
	if err != nil {
		return nil, err
	}

	var workers []*types.Worker
	for _, id := range ids {
		w, err := s.loadWorker(ctx, s.client, id)
		if errors.Is(err, types.ErrWorkerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if w.Status == status {
			workers = append(workers, w)
		}
	}
	sortWorkers(workers)
	return workers, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis storage: %w after %d attempts", redis.TxFailedErr, maxTxRetries)
}

func (s *RedisStorage) writeTask(ctx context.Context, pipe redis.Pipeliner, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.taskKey(task.TaskID), data, 0)
	s.indexProcessing(ctx, pipe, task)
	return nil
}

func (s *RedisStorage) indexProcessing(ctx context.Context, pipe redis.Pipeliner, task *types.Task) {
	if task.Status == types.StatusProcessing && task.StartedAt != nil {
		pipe.ZAdd(ctx, s.processingIndex(), &redis.Z{Score: float64(task.StartedAt.UnixNano()), Member: task.TaskID})
		return
	}
	pipe.ZRem(ctx, s.processingIndex(), task.TaskID)
}

func (s *RedisStorage) loadTask(ctx context.Context, c getter, taskID string) (*types.Task, error) {
	data, err := c.Get(ctx, s.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *RedisStorage) loadWorker(ctx context.Context, c getter, workerID string) (*types.Worker, error) {
	data, err := c.Get(ctx, s.workerKey(workerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	var w types.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
