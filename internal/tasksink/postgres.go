package tasksink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zcyberseclab/vmm/internal/domain"
)

// PostgresSink writes tasks to a `tasks` table for durable retention and
// CleanupOld auditing, grounded on the teacher's internal/store.PostgresStore
// (pgxpool, create-table-if-not-exists schema bootstrap on construction).
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`)
	return err
}

func (s *PostgresSink) Save(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, status, created_at, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET status = $2, data = $4
	`, task.TaskID, string(task.Status), task.CreatedAt, data)
	return err
}

func (s *PostgresSink) SaveBatch(ctx context.Context, tasks []*domain.Task) error {
	for _, task := range tasks {
		if err := s.Save(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
