package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/nodeflow/internal/logging"
)

// ChannelPrefix prefixes the Redis pub/sub channel of every category.
const ChannelPrefix = "nodeflow:status:"

// RedisHub is a Hub over Redis pub/sub, so that API processes can stream
// status published by workers in other processes.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisHub wraps an existing client.
func NewRedisHub(client *redis.Client, logger *slog.Logger) *RedisHub {
	return &RedisHub{client: client, logger: logging.OrDefault(logger)}
}

// DialRedisHub parses a redis:// URL, connects and pings.
func DialRedisHub(ctx context.Context, url string, logger *slog.Logger) (*RedisHub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisHub(client, logger), nil
}

func channelFor(category string) string { return ChannelPrefix + category }

// Publish encodes event as JSON on the category channel.
func (h *RedisHub) Publish(ctx context.Context, event StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	return h.client.Publish(ctx, channelFor(event.Category), data).Err()
}

// Subscribe returns once Redis has confirmed the subscription.
func (h *RedisHub) Subscribe(ctx context.Context, category string) (<-chan StatusEvent, func(), error) {
	sub := h.client.Subscribe(ctx, channelFor(category))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", category, err)
	}

	out := make(chan StatusEvent, defaultChannelBuffer)
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("drop malformed status event",
						slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

// Close closes the underlying client.
func (h *RedisHub) Close() error {
	return h.client.Close()
}

var _ Hub = (*RedisHub)(nil)
