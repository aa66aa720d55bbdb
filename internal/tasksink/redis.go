package tasksink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/zcyberseclab/vmm/internal/domain"
)

const taskKeyPrefix = "vmm:task:"

// RedisSink stores each task as sealed JSON under vmm:task:<id>, the
// natural fit for a lightweight append-seldom/read-by-key store,
// grounded on the teacher's internal/store.RedisStore.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisSink{client: client}, nil
}

func (s *RedisSink) Save(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, taskKeyPrefix+task.TaskID, data, 0).Err()
}

func (s *RedisSink) SaveBatch(ctx context.Context, tasks []*domain.Task) error {
	pipe := s.client.Pipeline()
	for _, task := range tasks {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		pipe.Set(ctx, taskKeyPrefix+task.TaskID, data, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
