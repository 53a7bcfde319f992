package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const subscribeTimeout = 5 * time.Second

// redisBackbone fans broadcasts out over Redis Pub/Sub, one channel per
// group: "room:<group>:events".
type redisBackbone struct {
	rdb     *redis.Client
	deliver DeliverFunc
	subs    *subscriptionManager
}

func NewRedisBackbone(rdb *redis.Client, deliver DeliverFunc) Backbone {
	b := &redisBackbone{rdb: rdb, deliver: deliver}
	b.subs = newSubscriptionManager(b.subscribe)
	return b
}

func redisChannel(group string) string { return "room:" + group + ":events" }

func (b *redisBackbone) Attach(ctx context.Context, group string) error {
	return b.subs.Subscribe(ctx, group)
}

func (b *redisBackbone) Detach(group string) { b.subs.Unsubscribe(group) }

func (b *redisBackbone) Publish(ctx context.Context, group string, payload []byte) error {
	return b.rdb.Publish(ctx, redisChannel(group), payload).Err()
}

func (b *redisBackbone) Close() error {
	b.subs.closeAll()
	return nil
}

func (b *redisBackbone) subscribe(ctx context.Context, group string) (func(), error) {
	subCtx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(subCtx, redisChannel(group))

	// Wait for the SUBSCRIBE confirmation so a publish issued right after
	// Attach is not lost.
	rctx, rcancel := context.WithTimeout(ctx, subscribeTimeout)
	_, err := ps.Receive(rctx)
	rcancel()
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", group, err)
	}

	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)

		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok { // Redis connection closed.
					return
				}
				if subCtx.Err() != nil {
					return
				}
				b.deliver(group, []byte(m.Payload))
			}
		}
	}()

	// Nothing is delivered for the group once the returned func returns.
	return func() {
		cancel()
		_ = ps.Close()
		<-done
	}, nil
}
