package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	webhookEventTTL  = 24 * time.Hour
	reconcileLockTTL = 2 * time.Minute
)

type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// MarkWebhookEvent records a provider event ID and reports whether it was
// already seen. Best-effort replay suppression: the storage-layer constraints
// remain the real idempotency guarantee, this just skips redundant work.
func (r *Redis) MarkWebhookEvent(ctx context.Context, eventID string) (seen bool, err error) {
	key := "webhook_event:" + eventID
	set, err := r.Client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), webhookEventTTL).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// LockReconcile claims a checkout session for one reconciliation attempt so
// the retry consumer and the sweep don't work the same order at once.
func (r *Redis) LockReconcile(ctx context.Context, sessionID string) (bool, error) {
	key := "reconcile_lock:" + sessionID
	return r.Client.SetNX(ctx, key, sessionID, reconcileLockTTL).Result()
}

func (r *Redis) UnlockReconcile(ctx context.Context, sessionID string) error {
	key := "reconcile_lock:" + sessionID
	_, err := r.Client.Del(ctx, key).Result()
	return err
}
