package settings

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where settings are stored when no key is given.
const DefaultRedisKey = "livediff:settings"

// RedisStore implements Store backed by a Redis instance, so settings survive
// restarts and can be shared by several clients.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the given Redis URL. The key is initialized to
// Defaults if it does not exist.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	c := redis.NewUniversalClient(opts)
	rs := &RedisStore{client: c, key: key}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b, _ := json.Marshal(Defaults())
	if err := c.SetNX(ctx, key, b, 0).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	switch u.Scheme {
	case "redis", "rediss":
		path := strings.TrimPrefix(u.Path, "/")
		if path == "" {
			path = q.Get("db")
		}
		if path != "" {
			db, err := strconv.Atoi(path)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if v := q.Get("db"); v != "" {
			db, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// Load returns the stored settings, or Defaults when the key is missing.
// Stored values that no longer validate are replaced by Defaults.
func (r *RedisStore) Load(ctx context.Context) (GenerationSettings, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), err
	}
	s := Defaults()
	if err := json.Unmarshal(b, &s); err != nil {
		return Defaults(), fmt.Errorf("decode stored settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Defaults(), err
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, s GenerationSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, b, 0).Err()
}

// Close releases the Redis connections.
func (r *RedisStore) Close() error { return r.client.Close() }
