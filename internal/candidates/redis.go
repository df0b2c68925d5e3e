package candidates

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// DefaultListKey is the list consulted when a user has no list of their own.
const DefaultListKey = "default"

// RedisConfig configures a RedisProvider.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	Count     int
}

// RedisProvider reads per-user candidate lists stored as Redis lists under
// KeyPrefix+user_id, falling back to KeyPrefix+"default".
type RedisProvider struct {
	client *redis.Client
	prefix string
	count  int
	log    *logger.Logger
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(cfg RedisConfig, log *logger.Logger) (*RedisProvider, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if cfg.Count < 1 {
		cfg.Count = 100
	}
	if log == nil {
		log = logger.Default()
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisProvider{
		client: client,
		prefix: cfg.KeyPrefix,
		count:  cfg.Count,
		log:    log.WithComponent("candidates"),
	}, nil
}

// CandidatesFor implements Provider.
func (p *RedisProvider) CandidatesFor(ctx context.Context, user rec.UserContext) ([]string, error) {
	items, err := p.list(ctx, p.prefix+user.UserID)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}

	p.log.Debug("No candidate list for user, using default", "user_id", user.UserID)
	return p.list(ctx, p.prefix+DefaultListKey)
}

func (p *RedisProvider) list(ctx context.Context, key string) ([]string, error) {
	items, err := p.client.LRange(ctx, key, 0, int64(p.count-1)).Result()
	if err != nil {
		return nil, errors.CandidateError("reading candidate list", err).WithDetail("key", key)
	}
	return dedupe(items), nil
}

// Seed replaces the candidate list for userID. An empty userID writes the
// default list.
func (p *RedisProvider) Seed(ctx context.Context, userID string, items []string) error {
	if userID == "" {
		userID = DefaultListKey
	}
	key := p.prefix + userID

	pipe := p.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(items) > 0 {
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = item
		}
		pipe.RPush(ctx, key, values...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seeding %s: %w", key, err)
	}
	return nil
}

// Delete removes the candidate list for userID.
func (p *RedisProvider) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		userID = DefaultListKey
	}
	return p.client.Del(ctx, p.prefix+userID).Err()
}

// Ping checks the connection.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Name implements Provider.
func (p *RedisProvider) Name() string {
	return "redis"
}

// Close implements Provider.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}
