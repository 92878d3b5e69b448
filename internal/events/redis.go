package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/folio/internal/store"
)

// ChannelName is the pub/sub channel (after the prefix) task events go to.
const ChannelName = "task-events"

// snapshotTTL bounds how long the last known state of a task lingers in Redis.
const snapshotTTL = 24 * time.Hour

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *slog.Logger
}

// RedisForwarder republishes bus events on a Redis channel and keeps the
// latest snapshot of each task under <prefix>task:<id>.
type RedisForwarder struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisForwarder connects to Redis and verifies the connection.
func NewRedisForwarder(ctx context.Context, cfg RedisConfig) (*RedisForwarder, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "folio:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisForwarder{client: client, prefix: cfg.Prefix, logger: cfg.Logger}, nil
}

// Channel returns the full pub/sub channel name.
func (f *RedisForwarder) Channel() string {
	return f.prefix + ChannelName
}

// Forward publishes one event.
func (f *RedisForwarder) Forward(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.Channel(), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if event.Type == TaskUpdated && event.Task != nil {
		snap, err := json.Marshal(event.Task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := f.client.Set(ctx, f.prefix+"task:"+event.TaskID, snap, snapshotTTL).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

// Snapshot returns the last task state forwarded for id.
func (f *RedisForwarder) Snapshot(ctx context.Context, id string) (*store.Task, error) {
	data, err := f.client.Get(ctx, f.prefix+"task:"+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var task store.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
	}
	return &task, nil
}

// Run forwards bus events until ctx is cancelled. Publish failures are
// logged and skipped.
func (f *RedisForwarder) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			sendCtx, done := context.WithTimeout(ctx, 5*time.Second)
			if err := f.Forward(sendCtx, event); err != nil {
				f.logger.Warn("failed to forward task event", "task_id", event.TaskID, "type", event.Type, "error", err)
			}
			done()
		}
	}
}

// Close closes the Redis connection.
func (f *RedisForwarder) Close() error {
	return f.client.Close()
}
