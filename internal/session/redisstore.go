package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// RedisStore backs the Session Registry with Redis, letting a Broker
// Frontend scale to multiple processes sharing one logical registry.
// This is additive scale-out beyond spec.md's single-process model; the
// in-memory MemoryStore remains the default.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore builds a RedisStore over an already-configured client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "veracruz:session:"}
}

type wireSession struct {
	ID                       uint32 `json:"id"`
	Phase                    byte   `json:"phase"`
	Active                   bool   `json:"active"`
	PrincipalCertFingerprint string `json:"principal_cert_fingerprint"`
}

func (rs *RedisStore) key(id uint32) string {
	return fmt.Sprintf("%s%d", rs.prefix, id)
}

func (rs *RedisStore) Save(ctx context.Context, s *Session) error {
	w := wireSession{
		ID:                       s.ID,
		Phase:                    byte(s.Phase),
		Active:                   s.Active,
		PrincipalCertFingerprint: s.PrincipalCertFingerprint,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return rs.client.Set(ctx, rs.key(s.ID), data, rs.ttl).Err()
}

func (rs *RedisStore) Load(ctx context.Context, id uint32) (*Session, error) {
	data, err := rs.client.Get(ctx, rs.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	s := newSession(w.ID, w.PrincipalCertFingerprint)
	s.Phase = wire.Phase(w.Phase)
	s.Active = w.Active
	return s, nil
}

func (rs *RedisStore) Delete(ctx context.Context, id uint32) error {
	return rs.client.Del(ctx, rs.key(id)).Err()
}
