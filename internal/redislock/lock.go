package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yichenzhou/groupflow/internal/domain"
)

// releaseScript deletes the lock only if this holder still owns it
// (atomic Lua compare-and-delete avoids releasing a stolen lock).
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Locker hands out per-plan dispatch locks so that a live trigger and a
// reconciliation sweep cannot both deliver the same (biz_type, group_id, day).
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker creates a Locker. ttl bounds how long a crashed dispatcher can
// hold a plan hostage.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// NewClient creates a redis client with bounded timeouts.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func lockKey(key domain.PlanKey) string {
	return "dispatch:lock:" + key.BizType + ":" + key.GroupID + ":" + key.Day
}

// Acquire attempts to take the dispatch lock for a plan key. When ok is
// false another dispatcher holds it and the caller must skip the plan.
// The returned release func is nil iff ok is false.
func (l *Locker) Acquire(ctx context.Context, key domain.PlanKey) (release func(context.Context) error, ok bool, err error) {
	token := uuid.New().String()
	rkey := lockKey(key)

	ok, err = l.client.SetNX(ctx, rkey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire dispatch lock %s: %w", rkey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if _, err := releaseScript.Run(ctx, l.client, []string{rkey}, token).Result(); err != nil {
			return fmt.Errorf("release dispatch lock %s: %w", rkey, err)
		}
		return nil
	}
	return release, true, nil
}
