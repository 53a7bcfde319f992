package ws

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsBackbone fans broadcasts out over NATS core subjects "rooms.<group>".
// NATS delivers a subscription's messages sequentially, which keeps the
// per-group order.
type natsBackbone struct {
	nc      *nats.Conn
	deliver DeliverFunc
	subs    *subscriptionManager
}

func NewNatsBackbone(nc *nats.Conn, deliver DeliverFunc) Backbone {
	b := &natsBackbone{nc: nc, deliver: deliver}
	b.subs = newSubscriptionManager(b.subscribe)
	return b
}

func natsSubject(group string) string { return "rooms." + group }

func (b *natsBackbone) Attach(ctx context.Context, group string) error {
	return b.subs.Subscribe(ctx, group)
}

func (b *natsBackbone) Detach(group string) { b.subs.Unsubscribe(group) }

func (b *natsBackbone) Publish(_ context.Context, group string, payload []byte) error {
	return b.nc.Publish(natsSubject(group), payload)
}

func (b *natsBackbone) Close() error {
	b.subs.closeAll()
	return b.nc.Drain()
}

func (b *natsBackbone) subscribe(ctx context.Context, group string) (func(), error) {
	sub, err := b.nc.Subscribe(natsSubject(group), func(m *nats.Msg) {
		b.deliver(group, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", group, err)
	}

	// The server must have processed SUB before Attach returns.
	fctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if err := b.nc.FlushWithContext(fctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", group, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
