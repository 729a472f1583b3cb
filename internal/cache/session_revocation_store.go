package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "leasegate:revoked:"

// SessionRevocationStore keeps revoked token IDs until the token would have expired anyway
type SessionRevocationStore struct {
	client redis.Cmdable
}

func NewSessionRevocationStore(client redis.Cmdable) *SessionRevocationStore {
	return &SessionRevocationStore{client: client}
}

func (s *SessionRevocationStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err()
}

func (s *SessionRevocationStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
