package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey         = "training:queue"
	taskKeyPrefix    = "training:task:"
	activeKeyPrefix  = "training:active:"
	terminateChannel = "training:terminate"

	taskTTL = 24 * time.Hour
	// ActiveTTL bounds how long a handle stays visible after its worker dies.
	// Workers must re-mark well inside this window.
	ActiveTTL = 90 * time.Second
)

// RedisRunner queues tasks on a Redis list. Executing workers register their
// handle under a TTL key so liveness queries see only handles with a living
// worker, and listen on a pub/sub channel for termination requests.
type RedisRunner struct {
	client *redis.Client
}

var _ Runner = (*RedisRunner)(nil)

func NewRedisRunner(redisURL string) (*RedisRunner, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRunner{client: client}, nil
}

func (r *RedisRunner) Submit(ctx context.Context, task *Task) (string, error) {
	if task.Handle == "" {
		task.Handle = uuid.NewString()
	}
	task.EnqueuedAt = time.Now().Unix()

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	if err := r.client.Set(ctx, taskKeyPrefix+task.Handle, payload, taskTTL).Err(); err != nil {
		return "", fmt.Errorf("store task: %w", err)
	}
	if err := r.client.RPush(ctx, queueKey, task.Handle).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.Handle, nil
}

// Dequeue pops the next task, blocking briefly. Returns (nil, nil) when the
// queue is empty so worker loops can poll without special-casing.
func (r *RedisRunner) Dequeue(ctx context.Context) (*Task, error) {
	result, err := r.client.BLPop(ctx, 5*time.Second, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	handle := result[1]
	payload, err := r.client.Get(ctx, taskKeyPrefix+handle).Bytes()
	if err == redis.Nil {
		// Task document expired; drop the stale queue entry.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", handle, err)
	}

	if err := r.MarkActive(ctx, handle); err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkActive registers (or refreshes) the handle as executing.
func (r *RedisRunner) MarkActive(ctx context.Context, handle string) error {
	return r.client.Set(ctx, activeKeyPrefix+handle, "1", ActiveTTL).Err()
}

// ClearActive removes the handle's liveness registration.
func (r *RedisRunner) ClearActive(ctx context.Context, handle string) error {
	return r.client.Del(ctx, activeKeyPrefix+handle).Err()
}

func (r *RedisRunner) ActiveHandles(ctx context.Context) ([]string, error) {
	var handles []string
	iter := r.client.Scan(ctx, 0, activeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		handles = append(handles, strings.TrimPrefix(iter.Val(), activeKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan active handles: %w", err)
	}
	return handles, nil
}

func (r *RedisRunner) Terminate(ctx context.Context, handle string) error {
	return r.client.Publish(ctx, terminateChannel, handle).Err()
}

// Terminations streams handles other processes have asked to stop. Workers
// cancel the matching task context when their current handle arrives.
func (r *RedisRunner) Terminations(ctx context.Context) (<-chan string, func() error) {
	sub := r.client.Subscribe(ctx, terminateChannel)
	out := make(chan string, 8)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

func (r *RedisRunner) Close() error {
	return r.client.Close()
}
