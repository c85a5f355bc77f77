package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the same three key families ("seed:<username>",
// "seedRequest:<username>", "session:<username>" — spec.md section 6) in
// Redis, for hosting applications that want device-local state to survive
// a process restart without standing up a dedicated embedded database.
// Modeled on the teacher's RedisInbox: one *redis.Client, namespaced keys,
// context.Background() for the short-lived calls LocalStore makes.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

func seedKey(username string) string        { return fmt.Sprintf("seed:%s", username) }
func seedRequestKey(username string) string { return fmt.Sprintf("seedRequest:%s", username) }
func sessionKey(username string) string     { return fmt.Sprintf("session:%s", username) }

func (r *RedisStore) GetSeed(username string) ([]byte, error) {
	val, err := r.client.Get(r.ctx, seedKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get seed: %w", err)
	}
	return hex.DecodeString(val)
}

func (r *RedisStore) SaveSeed(username string, seed []byte) error {
	if err := r.client.Set(r.ctx, seedKey(username), hex.EncodeToString(seed), 0).Err(); err != nil {
		return fmt.Errorf("store: redis save seed: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSeedRequest(username string) (*SeedRequestRecord, error) {
	val, err := r.client.Get(r.ctx, seedRequestKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get seed request: %w", err)
	}
	raw, err := hex.DecodeString(val)
	if err != nil || len(raw) != 64 {
		return nil, fmt.Errorf("store: corrupt seed request for %q", username)
	}
	rec := &SeedRequestRecord{}
	copy(rec.PrivateKey[:], raw[:32])
	copy(rec.PublicKey[:], raw[32:])
	return rec, nil
}

func (r *RedisStore) SetSeedRequest(username string, rec *SeedRequestRecord) error {
	raw := append(append([]byte{}, rec.PrivateKey[:]...), rec.PublicKey[:]...)
	if err := r.client.Set(r.ctx, seedRequestKey(username), hex.EncodeToString(raw), 0).Err(); err != nil {
		return fmt.Errorf("store: redis set seed request: %w", err)
	}
	return nil
}

func (r *RedisStore) RemoveSeedRequest(username string) error {
	if err := r.client.Del(r.ctx, seedRequestKey(username)).Err(); err != nil {
		return fmt.Errorf("store: redis remove seed request: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(username string) (string, error) {
	val, err := r.client.Get(r.ctx, sessionKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: redis get session: %w", err)
	}
	return val, nil
}

func (r *RedisStore) SaveSession(username, sessionID string) error {
	if err := r.client.Set(r.ctx, sessionKey(username), sessionID, 0).Err(); err != nil {
		return fmt.Errorf("store: redis save session: %w", err)
	}
	return nil
}

func (r *RedisStore) SignOutSession(username string) error {
	if err := r.client.Del(r.ctx, sessionKey(username), seedRequestKey(username)).Err(); err != nil {
		return fmt.Errorf("store: redis sign out session: %w", err)
	}
	return nil
}
