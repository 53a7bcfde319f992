package leasewatcher

import (
	"context"

	"teamchat/internal/services/presence"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reclaimer releases the presence entries of a dead instance.
type Reclaimer interface {
	Reclaim(ctx context.Context, instanceID string) error
}

// Run listens to key-expiry events and reclaims presence held by instances
// whose lease expired. Run must be started once at service boot.
func Run(ctx context.Context, rdb *redis.Client, r Reclaimer) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// CONFIG may be disabled; expired leases are then only reclaimed by the
		// startup sweep of the next instance.
		zap.L().Warn("leasewatcher.config", zap.Error(err))
	}
	ps := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			handle(ctx, r, m.Payload)
		}
	}
}

func handle(ctx context.Context, r Reclaimer, key string) {
	id, ok := presence.InstanceFromLeaseKey(key)
	if !ok {
		return
	}
	_ = r.Reclaim(ctx, id) // errors already logged by the tracker
}
