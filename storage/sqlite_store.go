package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chhz0/taskq/types"
	_ "modernc.org/sqlite" // 纯Go SQLite驱动
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	status INTEGER NOT NULL,
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	result TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	owner_id TEXT NOT NULL DEFAULT '',
	worker_ref INTEGER,
	stream_entry_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, started_at);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id TEXT NOT NULL UNIQUE,
	status INTEGER NOT NULL,
	host_address TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	registered_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	tasks_processed INTEGER NOT NULL DEFAULT 0,
	tasks_failed INTEGER NOT NULL DEFAULT 0,
	owner_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status, last_heartbeat);
`

const taskColumns = `id, task_id, status, task_type, priority, payload, created_at, started_at,
	completed_at, result, error_message, retry_count, max_retries, owner_id, worker_ref, stream_entry_id`

const workerColumns = `id, worker_id, status, host_address, port, registered_at, last_heartbeat,
	tasks_processed, tasks_failed, owner_id`

// SQLiteStorage 单连接 + IMMEDIATE 事务：读-改-写期间持有写锁。
// 更新语句额外带上旧状态作为条件，行被并发改动时返回冲突而不是覆盖
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// 创建表结构
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db}, nil
}

var errRowConflict = errors.New("row changed concurrently")

func (s *SQLiteStorage) CreateTask(ctx context.Context, task *types.Task) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks
		(task_id, status, task_type, priority, payload, created_at, started_at, completed_at,
		 result, error_message, retry_count, max_retries, owner_id, worker_ref, stream_entry_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Status, task.TaskType, task.Priority, task.Payload,
		task.CreatedAt.UnixNano(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		nullString(task.Result), nullString(task.ErrorMessage), task.RetryCount, task.MaxRetries,
		task.OwnerID, nullInt(task.WorkerRef), task.StreamEntryID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.ErrDuplicateTaskID
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

func (s *SQLiteStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	return task, err
}

func (s *SQLiteStorage) UpdateTask(ctx context.Context, taskID string, fn TaskUpdateFunc) (*types.Task, error) {
	var task *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrTaskNotFound
		}
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
		return updateTaskRow(ctx, tx, task, current.Status)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStorage) UpdateStaleTasks(ctx context.Context, cutoff time.Time, fn TaskUpdateFunc) ([]*types.Task, error) {
	var updated []*types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
			ORDER BY created_at DESC, id DESC`,
			types.StatusProcessing, cutoff.UnixNano(),
		)
		if err != nil {
			return err
		}
		stale, err := scanTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, task := range stale {
			if err := fn(task); err != nil {
				return err
			}
			if err := updateTaskRow(ctx, tx, task, types.StatusProcessing); err != nil {
				return err
			}
		}
		updated = stale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStorage) UpsertWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current == nil {
			worker = &types.Worker{WorkerID: workerID}
			if err := fn(worker); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO workers
				(worker_id, status, host_address, port, registered_at, last_heartbeat,
				 tasks_processed, tasks_failed, owner_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				worker.WorkerID, worker.Status, worker.HostAddress, worker.Port,
				worker.RegisteredAt.UnixNano(), worker.LastHeartbeat.UnixNano(),
				worker.TasksProcessed, worker.TasksFailed, worker.OwnerID,
			)
			if err != nil {
				return err
			}
			worker.ID, err = res.LastInsertId()
			return err
		}

		worker = current
		if err := fn(worker); err != nil {
			return err
		}
		return updateWorkerRow(ctx, tx, worker)
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *SQLiteStorage) UpdateWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	var worker *types.Worker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID))
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrWorkerNotFound
		}
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
		return updateWorkerRow(ctx, tx, worker)
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *SQLiteStorage) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrWorkerNotFound
	}
	return w, err
}

func (s *SQLiteStorage) GetWorkerByRef(ctx context.Context, ref int64) (*types.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrWorkerNotFound
	}
	return w, err
}

func (s *SQLiteStorage) ExpireWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE status = ? AND last_heartbeat < ?`,
		types.WorkerInactive, types.WorkerActive, cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func updateTaskRow(ctx context.Context, tx *sql.Tx, t *types.Task, expected types.TaskStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, result = ?, error_message = ?,
			retry_count = ?, worker_ref = ?, stream_entry_id = ?
		WHERE task_id = ? AND status = ?`,
		t.Status, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullString(t.Result),
		nullString(t.ErrorMessage), t.RetryCount, nullInt(t.WorkerRef), t.StreamEntryID,
		t.TaskID, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.TaskID, errRowConflict)
	}
	return nil
}

func updateWorkerRow(ctx context.Context, tx *sql.Tx, w *types.Worker) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE workers SET status = ?, host_address = ?, port = ?, last_heartbeat = ?,
			tasks_processed = ?, tasks_failed = ?, owner_id = ?
		WHERE id = ?`,
		w.Status, w.HostAddress, w.Port, w.LastHeartbeat.UnixNano(),
		w.TasksProcessed, w.TasksFailed, w.OwnerID, w.ID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                      types.Task
		createdAt              int64
		startedAt, completedAt sql.NullInt64
		result, errMsg         sql.NullString
		workerRef              sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.TaskID, &t.Status, &t.TaskType, &t.Priority, &t.Payload, &createdAt,
		&startedAt, &completedAt, &result, &errMsg, &t.RetryCount, &t.MaxRetries,
		&t.OwnerID, &workerRef, &t.StreamEntryID,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.StartedAt = fromNullTime(startedAt)
	t.CompletedAt = fromNullTime(completedAt)
	if result.Valid {
		t.Result = &result.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if workerRef.Valid {
		t.WorkerRef = &workerRef.Int64
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanWorker(row rowScanner) (*types.Worker, error) {
	var (
		w                         types.Worker
		registered, lastHeartbeat int64
	)
	err := row.Scan(
		&w.ID, &w.WorkerID, &w.Status, &w.HostAddress, &w.Port, &registered, &lastHeartbeat,
		&w.TasksProcessed, &w.TasksFailed, &w.OwnerID,
	)
	if err != nil {
		return nil, err
	}
	w.RegisteredAt = time.Unix(0, registered).UTC()
	w.LastHeartbeat = time.Unix(0, lastHeartbeat).UTC()
	return &w, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
