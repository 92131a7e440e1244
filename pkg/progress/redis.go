package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	globalChannel      = "training:global"
	modelChannelPrefix = "training:user:"
)

// ModelChannel returns the Redis pub/sub channel carrying one model's
// progress snapshots.
func ModelChannel(modelID string) string {
	return modelChannelPrefix + modelID
}

// GlobalChannel returns the Redis pub/sub channel carrying all snapshots.
func GlobalChannel() string {
	return globalChannel
}

// RedisBridge republishes snapshots over Redis pub/sub so observers in other
// processes see the same stream as in-process hub subscribers.
type RedisBridge struct {
	client *redis.Client
}

var _ Publisher = (*RedisBridge)(nil)

func NewRedisBridge(redisURL string) (*RedisBridge, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBridge{client: client}, nil
}

func (b *RedisBridge) Publish(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.client.Publish(ctx, ModelChannel(snap.ModelID), payload).Err(); err != nil {
		return fmt.Errorf("publish model snapshot: %w", err)
	}
	if err := b.client.Publish(ctx, globalChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish global snapshot: %w", err)
	}
	return nil
}

// SubscribeModel streams snapshots for one model until ctx is done.
func (b *RedisBridge) SubscribeModel(ctx context.Context, modelID string) (<-chan Snapshot, func() error) {
	return b.subscribe(ctx, ModelChannel(modelID))
}

// SubscribeGlobal streams snapshots for all models until ctx is done.
func (b *RedisBridge) SubscribeGlobal(ctx context.Context) (<-chan Snapshot, func() error) {
	return b.subscribe(ctx, globalChannel)
}

func (b *RedisBridge) subscribe(ctx context.Context, channel string) (<-chan Snapshot, func() error) {
	sub := b.client.Subscribe(ctx, channel)
	out := make(chan Snapshot, 32)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}
