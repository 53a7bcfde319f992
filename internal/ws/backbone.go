package ws

import (
	"context"
	"sync"
)

// DeliverFunc hands a frame received from the backbone to local members.
type DeliverFunc func(group string, payload []byte)

// Backbone carries broadcasts between every process serving a group.
type Backbone interface {
	// Attach makes this process receive the group's traffic. It returns once
	// the subscription is live.
	Attach(ctx context.Context, group string) error
	// Detach undoes one Attach.
	Detach(group string)
	Publish(ctx context.Context, group string, payload []byte) error
	Close() error
}

// localBackbone serves a single process: publish is direct delivery.
type localBackbone struct {
	deliver DeliverFunc
}

func NewLocalBackbone(deliver DeliverFunc) Backbone {
	return &localBackbone{deliver: deliver}
}

func (b *localBackbone) Attach(context.Context, string) error { return nil }
func (b *localBackbone) Detach(string)                        {}
func (b *localBackbone) Close() error                         { return nil }

func (b *localBackbone) Publish(_ context.Context, group string, payload []byte) error {
	b.deliver(group, payload)
	return nil
}

// subscribeFunc opens the backbone subscription for one group and returns
// the function that tears it down.
type subscribeFunc func(ctx context.Context, group string) (func(), error)

// subscriptionManager guarantees that we have **exactly one** backbone
// subscription per group, no matter how many websocket clients of this
// process joined it.
type subscriptionManager struct {
	subscribe subscribeFunc
	mu        sync.Mutex
	subs      map[string]*subEntry // group ➜ subscription data
}

type subEntry struct {
	refCnt int
	cancel func()
	ready  chan struct{} // closed once cancel/err are set
	err    error
}

func newSubscriptionManager(subscribe subscribeFunc) *subscriptionManager {
	return &subscriptionManager{
		subscribe: subscribe,
		subs:      make(map[string]*subEntry),
	}
}

// Subscribe ensures that the process is subscribed to the group; subsequent
// calls for the same group only increment the ref‑counter. Every caller
// waits until the subscription is live.
func (sm *subscriptionManager) Subscribe(ctx context.Context, group string) error {
	sm.mu.Lock()
	if e, ok := sm.subs[group]; ok {
		e.refCnt++
		sm.mu.Unlock()
		select {
		case <-e.ready:
			return e.err
		case <-ctx.Done():
			sm.Unsubscribe(group)
			return ctx.Err()
		}
	}

	// First consumer → open the subscription outside the lock.
	e := &subEntry{refCnt: 1, ready: make(chan struct{})}
	sm.subs[group] = e
	sm.mu.Unlock()

	e.cancel, e.err = sm.subscribe(ctx, group)
	if e.err != nil {
		sm.mu.Lock()
		if sm.subs[group] == e {
			delete(sm.subs, group)
		}
		sm.mu.Unlock()
	}
	close(e.ready)
	return e.err
}

// Unsubscribe decrements the ref‑counter and tears the subscription down when
// the last local member leaves the group.
func (sm *subscriptionManager) Unsubscribe(group string) {
	sm.mu.Lock()
	e, ok := sm.subs[group]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, group)
	sm.mu.Unlock()

	// Outside the lock → stop the fan‑out.
	<-e.ready
	if e.cancel != nil {
		e.cancel()
	}
}

func (sm *subscriptionManager) active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.subs)
}

func (sm *subscriptionManager) closeAll() {
	sm.mu.Lock()
	subs := sm.subs
	sm.subs = make(map[string]*subEntry)
	sm.mu.Unlock()

	for _, e := range subs {
		<-e.ready
		if e.cancel != nil {
			e.cancel()
		}
	}
}
