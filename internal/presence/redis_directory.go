package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-delivery/internal/config"
	"chat-delivery/internal/logging"
)

// withdrawScript deletes the key only while it still holds ARGV[1].
var withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDirectory stores user -> "instance/conn" entries with a TTL and refreshes
// the entries it owns on a heartbeat.
type RedisDirectory struct {
	client            redis.UniversalClient
	instanceID        string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	managed map[string]string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisDirectory connects to Redis and verifies the connection.
func NewRedisDirectory(cfg config.RedisConfig, instanceID string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisDirectory(client, cfg, instanceID), nil
}

func newRedisDirectory(client redis.UniversalClient, cfg config.RedisConfig, instanceID string) *RedisDirectory {
	return &RedisDirectory{
		client:            client,
		instanceID:        instanceID,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managed:           make(map[string]string),
	}
}

func (d *RedisDirectory) keyFor(userID string) string {
	return fmt.Sprintf("%s:user:%s", d.prefix, userID)
}

func entryValue(instanceID, connID string) string {
	return instanceID + "/" + connID
}

// instanceOf returns the instance part of an entry value.
func instanceOf(value string) string {
	if i := strings.LastIndex(value, "/"); i >= 0 {
		return value[:i]
	}
	return value
}

// Announce records this instance and connection as the holder of the
// user's live channel.
func (d *RedisDirectory) Announce(ctx context.Context, userID, connID string) error {
	key := d.keyFor(userID)
	value := entryValue(d.instanceID, connID)
	if err := d.client.Set(ctx, key, value, d.keyTTL).Err(); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	d.mu.Lock()
	d.managed[key] = value
	d.mu.Unlock()
	return nil
}

// Withdraw removes the user's entry if it still names connID. A stale
// withdraw leaves a newer connection's entry and heartbeat alone.
func (d *RedisDirectory) Withdraw(ctx context.Context, userID, connID string) error {
	key := d.keyFor(userID)
	value := entryValue(d.instanceID, connID)
	d.forget(key, value)

	if err := withdrawScript.Run(ctx, d.client, []string{key}, value).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("withdraw presence: %w", err)
	}
	return nil
}

// forget stops refreshing key if it is still managed with value.
func (d *RedisDirectory) forget(key, value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.managed[key] != value {
		return false
	}
	delete(d.managed, key)
	return true
}

// Locate returns the instance holding the user's connection.
func (d *RedisDirectory) Locate(ctx context.Context, userID string) (string, bool, error) {
	value, err := d.client.Get(ctx, d.keyFor(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("locate presence: %w", err)
	}
	return instanceOf(value), true, nil
}

// StartHeartbeat refreshes owned entries until Close is called or ctx ends.
func (d *RedisDirectory) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.refresh(ctx)
			}
		}
	}()
	l := logging.L()
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.keyTTL).Msg("presence directory heartbeat started")
}

func (d *RedisDirectory) refresh(ctx context.Context) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.managed))
	for k := range d.managed {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, key := range keys {
		if err := d.client.Expire(ctx, key, d.keyTTL).Err(); err != nil {
			l := logging.L()
			l.Error().Str("key", key).Err(err).Msg("failed to refresh presence entry")
		}
	}
}

// Close stops the heartbeat and closes the client.
func (d *RedisDirectory) Close() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return d.client.Close()
}
