package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "toolgate:revocation:"

// RedisStore reads revocation records from Redis. Each credential maps to a
// hash at <prefix><credential> with fields mirroring Record.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client *redis.Client
	// KeyPrefix for all record keys. Default: "toolgate:revocation:".
	KeyPrefix string
}

// NewRedisStore builds a Store backed by the given Redis client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: cfg.Client, keyPrefix: prefix}, nil
}

func (s *RedisStore) key(credential string) string { return s.keyPrefix + credential }

func (s *RedisStore) Lookup(ctx context.Context, credential string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(credential)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Record{
		State:     fields["state"],
		UserID:    fields["user_id"],
		CompanyID: fields["company_id"],
		UserEmail: fields["user_email"],
		ClientID:  fields["client_id"],
	}
	if raw := fields["last_used_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.LastUsedAt = t
		}
	}
	return rec, nil
}

func (s *RedisStore) Touch(ctx context.Context, credential string, at time.Time) error {
	// HSet on a missing key would create a stray record, so guard with an
	// existence check. The window between the two commands is harmless: a
	// concurrent delete just loses one timestamp update.
	key := s.key(credential)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, "last_used_at", at.UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Seed writes a full record (tests and tooling).
func (s *RedisStore) Seed(ctx context.Context, credential string, rec Record) error {
	fields := map[string]any{
		"state":      rec.State,
		"user_id":    rec.UserID,
		"company_id": rec.CompanyID,
		"user_email": rec.UserEmail,
		"client_id":  rec.ClientID,
	}
	if !rec.LastUsedAt.IsZero() {
		fields["last_used_at"] = rec.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return s.client.HSet(ctx, s.key(credential), fields).Err()
}
