package current

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"detour/internal/logger"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect builds a client for cfg and checks it answers.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return cli, nil
}

var clearIfMatches = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps pointers as plain keys that expire after TTL of inactivity.
type RedisStore struct {
	cli *redis.Client
	ttl time.Duration
	l   logger.Logger
}

func NewRedisStore(cli *redis.Client, ttl time.Duration, l logger.Logger) *RedisStore {
	if l == nil {
		l = logger.NewNop()
	}
	return &RedisStore{cli: cli, ttl: ttl, l: l}
}

func (s *RedisStore) key(userID string) string {
	return fmt.Sprintf("detour:current:%s", userID)
}

func (s *RedisStore) Set(ctx context.Context, userID, sessionID string) error {
	if err := s.cli.Set(ctx, s.key(userID), sessionID, s.ttl).Err(); err != nil {
		s.l.Errorf(ctx, "current.RedisStore.Set: %v", err)
		return err
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (string, error) {
	id, err := s.cli.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNone
	}
	if err != nil {
		s.l.Errorf(ctx, "current.RedisStore.Get: %v", err)
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID, sessionID string) error {
	if err := clearIfMatches.Run(ctx, s.cli, []string{s.key(userID)}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.l.Errorf(ctx, "current.RedisStore.Clear: %v", err)
		return err
	}
	return nil
}
