// Package affinity tracks which compile node holds a project's warm compile
// context. Records are kept per (project, user, backend class) in a durable
// TTL store; two backend classes for the same project never share a record.
package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the durable TTL mapping behind the affinity manager. Implemented
// on redis in production and by an in-memory fake in tests.
type Store interface {
	// Get returns the stored node id, or "" when no record exists.
	Get(ctx context.Context, projectID, userID, backendClass string) (string, error)
	Set(ctx context.Context, projectID, userID, backendClass, nodeID string, ttl time.Duration) error
	// Refresh extends the TTL of an existing record without changing it.
	Refresh(ctx context.Context, projectID, userID, backendClass string, ttl time.Duration) error
	Clear(ctx context.Context, projectID, userID, backendClass string) error
}

type redisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) Store {
	return &redisStore{redis: redisClient}
}

func key(projectID, userID, backendClass string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("affinity:%s:%s:%s", backendClass, projectID, userID)
}

func (s *redisStore) Get(ctx context.Context, projectID, userID, backendClass string) (string, error) {
	val, err := s.redis.Get(ctx, key(projectID, userID, backendClass)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("affinity get %s: %w", projectID, err)
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, projectID, userID, backendClass, nodeID string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, key(projectID, userID, backendClass), nodeID, ttl).Err(); err != nil {
		return fmt.Errorf("affinity set %s: %w", projectID, err)
	}
	return nil
}

func (s *redisStore) Refresh(ctx context.Context, projectID, userID, backendClass string, ttl time.Duration) error {
	if err := s.redis.Expire(ctx, key(projectID, userID, backendClass), ttl).Err(); err != nil {
		return fmt.Errorf("affinity refresh %s: %w", projectID, err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context, projectID, userID, backendClass string) error {
	if err := s.redis.Del(ctx, key(projectID, userID, backendClass)).Err(); err != nil {
		return fmt.Errorf("affinity clear %s: %w", projectID, err)
	}
	return nil
}
