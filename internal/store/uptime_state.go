package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "uptime:"

	lastOnlineTTL       = 7 * 24 * time.Hour
	offlineCandidateTTL = 7 * 24 * time.Hour
)

func slotLockKey(pool, slot string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, slot, pool)
}

func lastOnlineKey(pool string, id int64) string {
	return fmt.Sprintf("%slastOnline:%s:%d", keyPrefix, pool, id)
}

func offlineCandidateKey(pool string, id int64) string {
	return fmt.Sprintf("%slastOfflineCandidate:%s:%d", keyPrefix, pool, id)
}

// UptimeState is the key-value-backed side-state the confirmation
// gate reads and writes: last confirmed-online slot, pending offline
// candidacy, and the advisory inter-process slot lock.
type UptimeState interface {
	AcquireSlotLock(ctx context.Context, pool, slot string, ttl time.Duration) (bool, error)

	LastOnline(ctx context.Context, pool string, id int64) (string, bool, error)
	SetLastOnline(ctx context.Context, pool string, id int64, slot string) error
	ClearLastOnline(ctx context.Context, pool string, id int64) error

	OfflineCandidate(ctx context.Context, pool string, id int64) (string, bool, error)
	SetOfflineCandidate(ctx context.Context, pool string, id int64, slot string) error
	ClearOfflineCandidate(ctx context.Context, pool string, id int64) error
}

// RedisUptimeState implements UptimeState over go-redis.
type RedisUptimeState struct {
	client *redis.Client
}

// NewRedisUptimeState wraps an already-connected *redis.Client.
func NewRedisUptimeState(client *redis.Client) *RedisUptimeState {
	return &RedisUptimeState{client: client}
}

// AcquireSlotLock attempts SET NX with the given TTL; true means this
// process owns the slot for pool.
func (r *RedisUptimeState) AcquireSlotLock(ctx context.Context, pool, slot string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, slotLockKey(pool, slot), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot lock %s/%s: %w", pool, slot, err)
	}
	return ok, nil
}

// LastOnline returns the slot id of the miner's most recent
// confirmed-online observation, if any.
func (r *RedisUptimeState) LastOnline(ctx context.Context, pool string, id int64) (string, bool, error) {
	return r.getKey(ctx, lastOnlineKey(pool, id))
}

// SetLastOnline records slot as the miner's most recent
// confirmed-online slot, with a 7-day TTL.
func (r *RedisUptimeState) SetLastOnline(ctx context.Context, pool string, id int64, slot string) error {
	if err := r.client.Set(ctx, lastOnlineKey(pool, id), slot, lastOnlineTTL).Err(); err != nil {
		return fmt.Errorf("set lastOnline %s/%d: %w", pool, id, err)
	}
	return nil
}

// ClearLastOnline removes the miner's last-online marker.
func (r *RedisUptimeState) ClearLastOnline(ctx context.Context, pool string, id int64) error {
	if err := r.client.Del(ctx, lastOnlineKey(pool, id)).Err(); err != nil {
		return fmt.Errorf("clear lastOnline %s/%d: %w", pool, id, err)
	}
	return nil
}

// OfflineCandidate returns the slot id at which the miner first
// appeared offline, if a candidacy is pending.
func (r *RedisUptimeState) OfflineCandidate(ctx context.Context, pool string, id int64) (string, bool, error) {
	return r.getKey(ctx, offlineCandidateKey(pool, id))
}

// SetOfflineCandidate records slot as the first offline observation
// for the miner, with a 7-day TTL.
func (r *RedisUptimeState) SetOfflineCandidate(ctx context.Context, pool string, id int64, slot string) error {
	if err := r.client.Set(ctx, offlineCandidateKey(pool, id), slot, offlineCandidateTTL).Err(); err != nil {
		return fmt.Errorf("set offlineCandidate %s/%d: %w", pool, id, err)
	}
	return nil
}

// ClearOfflineCandidate removes a pending offline candidacy.
func (r *RedisUptimeState) ClearOfflineCandidate(ctx context.Context, pool string, id int64) error {
	if err := r.client.Del(ctx, offlineCandidateKey(pool, id)).Err(); err != nil {
		return fmt.Errorf("clear offlineCandidate %s/%d: %w", pool, id, err)
	}
	return nil
}

func (r *RedisUptimeState) getKey(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}
