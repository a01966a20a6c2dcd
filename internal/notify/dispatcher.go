package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Push is what a Dispatcher hands to the push service.
type Push struct {
	ID       int64             `json:"id"`
	UserID   string            `json:"userId"`
	Token    string            `json:"token"`
	Platform string            `json:"platform,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	QueuedAt time.Time         `json:"queuedAt"`
}

// Dispatcher delivers one push to the external push service.
type Dispatcher interface {
	Dispatch(ctx context.Context, p Push) error
}

// RedisDispatcher appends pushes to a Redis list consumed by the push
// service and announces each one on a pub/sub channel.
type RedisDispatcher struct {
	rdb     *redis.Client
	key     string
	channel string
}

// NewRedisDispatcher wraps an existing client. An empty channel disables the announcement.
func NewRedisDispatcher(rdb *redis.Client, key, channel string) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, key: key, channel: channel}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, p Push) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	pipe := d.rdb.TxPipeline()
	pipe.LPush(ctx, d.key, data)
	if d.channel != "" {
		pipe.Publish(ctx, d.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis dispatch: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (d *RedisDispatcher) Close() error {
	return d.rdb.Close()
}

// LogDispatcher writes pushes to the log. Used when no push service is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, p Push) error {
	d.logger.Info("push notification",
		zap.Int64("id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("platform", p.Platform),
		zap.String("title", p.Title),
		zap.Any("data", p.Data))
	return nil
}
