// storage/boltdb_store.go
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/chhz0/taskq/types"
	bolt "go.etcd.io/bbolt"
)

var (
	taskBucket      = []byte("tasks")
	workerBucket    = []byte("workers")
	workerRefBucket = []byte("worker_refs")
)

// BoltStorage 写事务在 bbolt 内全局串行，天然满足行级原子更新
type BoltStorage struct {
	db *bolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	// 初始化Bucket
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{taskBucket, workerBucket, workerRefBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) CreateTask(ctx context.Context, task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		if b.Get([]byte(task.TaskID)) != nil {
			return types.ErrDuplicateTaskID
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		task.ID = int64(seq)
		return putJSON(b, task.TaskID, task)
	})
}

func (s *BoltStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = loadTask(tx.Bucket(taskBucket), taskID)
		return err
	})
	return task, err
}

func (s *BoltStorage) UpdateTask(ctx context.Context, taskID string, fn TaskUpdateFunc) (*types.Task, error) {
	var task *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		current, err := loadTask(b, taskID)
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
		return putJSON(b, taskID, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *BoltStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return nil // 跳过无效数据
			}
			if filter.match(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortByCreatedDesc(tasks)
	if limit := normalizeLimit(filter.Limit); len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *BoltStorage) UpdateStaleTasks(ctx context.Context, cutoff time.Time, fn TaskUpdateFunc) ([]*types.Task, error) {
	var updated []*types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		c := b.Cursor()

		// 遍历期间不修改 bucket，收集完再统一写回
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if !isStale(&task, cutoff) {
				continue
			}
			if err := fn(&task); err != nil {
				return err
			}
			updated = append(updated, &task)
		}
		for _, task := range updated {
			if err := putJSON(b, task.TaskID, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(updated)
	return updated, nil
}

func (s *BoltStorage) UpsertWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workerBucket)
		existing, err := loadWorker(b, workerID)
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
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			worker.ID = int64(seq)
			if err := tx.Bucket(workerRefBucket).Put(refKey(worker.ID), []byte(workerID)); err != nil {
				return err
			}
		}
		return putJSON(b, workerID, worker)
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *BoltStorage) UpdateWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workerBucket)
		current, err := loadWorker(b, workerID)
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
		return putJSON(b, workerID, worker)
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *BoltStorage) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		worker, err = loadWorker(tx.Bucket(workerBucket), workerID)
		return err
	})
	return worker, err
}

func (s *BoltStorage) GetWorkerByRef(ctx context.Context, ref int64) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(workerRefBucket).Get(refKey(ref))
		if id == nil {
			return types.ErrWorkerNotFound
		}
		var err error
		worker, err = loadWorker(tx.Bucket(workerBucket), string(id))
		return err
	})
	return worker, err
}

func (s *BoltStorage) ExpireWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workerBucket)
		var expired []*types.Worker
		err := b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			if shouldExpire(&w, cutoff) {
				w.Status = types.WorkerInactive
				expired = append(expired, &w)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, w := range expired {
			if err := putJSON(b, w.WorkerID, w); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

func (s *BoltStorage) ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(workerBucket).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			if w.Status == status {
				workers = append(workers, &w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortWorkers(workers)
	return workers, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func loadTask(b *bolt.Bucket, taskID string) (*types.Task, error) {
	data := b.Get([]byte(taskID))
	if data == nil {
		return nil, types.ErrTaskNotFound
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func loadWorker(b *bolt.Bucket, workerID string) (*types.Worker, error) {
	data := b.Get([]byte(workerID))
	if data == nil {
		return nil, types.ErrWorkerNotFound
	}
	var w types.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func refKey(ref int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(ref))
	return k
}
