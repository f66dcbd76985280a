package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/metrics"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

const historyTTL = 24 * time.Hour

// RedisStore mirrors the status history so viewers see recent events after
// a restart.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore creates a new Redis store. Keys are prefixed with namespace.
func NewRedisStore(ctx context.Context, redisURL, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if namespace == "" {
		namespace = "provider"
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// historyKey returns the key for the status event list.
func (s *RedisStore) historyKey() string {
	return fmt.Sprintf("fxn:%s:status:history", s.namespace)
}

// AppendEvent pushes ev and trims the list to the newest limit entries.
func (s *RedisStore) AppendEvent(ctx context.Context, ev models.StatusEvent, limit int) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := s.historyKey()
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if limit > 0 {
		pipe.LTrim(ctx, key, int64(-limit), -1)
	}
	pipe.Expire(ctx, key, historyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentEvents returns up to limit events, oldest first.
func (s *RedisStore) RecentEvents(ctx context.Context, limit int) ([]models.StatusEvent, error) {
	start := time.Now()
	results, err := s.client.LRange(ctx, s.historyKey(), int64(-limit), -1).Result()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	events := make([]models.StatusEvent, 0, len(results))
	for _, data := range results {
		var ev models.StatusEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Clear removes the stored history.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.historyKey()).Err()
}

// incrWindowScript sets the expiry only on the first hit of a window, in the
// same round trip as the increment. It runs on servers without EXPIRE NX.
var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow increments a counter that expires after window. Used by the
// HTTP rate limiter.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return incrWindowScript.Run(ctx, s.client, []string{s.windowKey(key)}, window.Milliseconds()).Int64()
}

func (s *RedisStore) windowKey(key string) string {
	return "fxn:" + s.namespace + ":" + key
}
