package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Broadcaster delivers a payload to every member of a broadcast group.
type Broadcaster interface {
	Broadcast(ctx context.Context, group string, payload []byte) error
}

type Options struct {
	// InstanceID identifies this process in the shared store. A random id is
	// generated when empty.
	InstanceID   string
	StoreTimeout time.Duration
	LeaseTTL     time.Duration
}

// Tracker keeps the shared presence counters in step with the connections
// of this process and pushes a fresh aggregate after every change.
type Tracker struct {
	store      Store
	bcast      Broadcaster
	instanceID string
	timeout    time.Duration
	leaseTTL   time.Duration

	// syncMu orders register/unregister against a recount: held shared by
	// each store update, exclusively while the ledger is rebuilt.
	syncMu  sync.RWMutex
	mu      sync.Mutex
	members map[string]Member // conn id -> member, local connections only

	updates metric.Int64Counter
}

func NewTracker(store Store, bcast Broadcaster, opts Options) *Tracker {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	updates, err := otel.Meter("teamchat/presence").Int64Counter("presence.updates",
		metric.WithDescription("Presence register/unregister operations"))
	if err != nil {
		zap.L().Warn("presence.metric_init", zap.Error(err))
	}
	return &Tracker{
		store:      store,
		bcast:      bcast,
		instanceID: opts.InstanceID,
		timeout:    opts.StoreTimeout,
		leaseTTL:   opts.LeaseTTL,
		members:    make(map[string]Member),
		updates:    updates,
	}
}

func (t *Tracker) InstanceID() string { return t.instanceID }

// LocalConnections is the number of connections this process has registered.
func (t *Tracker) LocalConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Store calls outlive the caller's cancellation: a disconnect racing a
// register must still reach the store so the release that follows matches.
func (t *Tracker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
}

// Register counts a new connection and broadcasts the resulting aggregate.
// A store failure is returned wrapped in ErrStoreUnavailable; the caller is
// expected to carry on with the connection.
func (t *Tracker) Register(ctx context.Context, m Member) error {
	t.syncMu.RLock()
	defer t.syncMu.RUnlock()

	t.mu.Lock()
	t.members[m.ConnID] = m
	t.mu.Unlock()
	t.count(ctx, "register")

	sctx, cancel := t.storeCtx(ctx)
	agg, err := t.store.Acquire(sctx, t.instanceID, m)
	cancel()
	if err != nil {
		zap.L().Warn("presence.register", zap.String("conn", m.ConnID), zap.Error(err))
		t.broadcastSnapshot(ctx)
		return err
	}
	t.publish(ctx, agg)
	return nil
}

// Unregister releases a connection and broadcasts the resulting aggregate.
func (t *Tracker) Unregister(ctx context.Context, m Member) error {
	t.syncMu.RLock()
	defer t.syncMu.RUnlock()

	t.mu.Lock()
	delete(t.members, m.ConnID)
	t.mu.Unlock()
	t.count(ctx, "unregister")

	sctx, cancel := t.storeCtx(ctx)
	err := t.store.Release(sctx, t.instanceID, m)
	cancel()
	if err != nil {
		zap.L().Warn("presence.unregister", zap.String("conn", m.ConnID), zap.Error(err))
	}
	t.broadcastSnapshot(ctx)
	return err
}

// Snapshot re-reads the aggregate from the store on every call.
func (t *Tracker) Snapshot(ctx context.Context) (Aggregate, error) {
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	return t.store.Aggregate(sctx)
}

// RenewLease extends this instance's ownership of its ledger. When the lease
// had lapsed, another instance may have reclaimed the ledger, so every local
// connection is counted again.
func (t *Tracker) RenewLease(ctx context.Context) error {
	sctx, cancel := t.storeCtx(ctx)
	held, err := t.store.RenewLease(sctx, t.instanceID, t.leaseTTL)
	cancel()
	if err != nil || held {
		return err
	}
	return t.recount(ctx)
}

// recount rebuilds this instance's ledger from the local connections. What
// is left of the old ledger is released first so nothing counts twice.
func (t *Tracker) recount(ctx context.Context) error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	t.mu.Lock()
	local := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		local = append(local, m)
	}
	t.mu.Unlock()

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	stale, err := t.store.ReleaseAll(sctx, t.instanceID)
	if err != nil {
		return err
	}
	for _, m := range local {
		if _, err := t.store.Acquire(sctx, t.instanceID, m); err != nil {
			return err
		}
	}
	if stale == 0 && len(local) == 0 {
		return nil
	}
	zap.L().Warn("presence.recount",
		zap.Int64("stale", stale), zap.Int("local", len(local)))
	t.broadcastSnapshot(ctx)
	return nil
}

// Reclaim releases every connection recorded for a dead instance.
func (t *Tracker) Reclaim(ctx context.Context, instanceID string) error {
	if instanceID == t.instanceID {
		return nil
	}
	sctx, cancel := t.storeCtx(ctx)
	n, err := t.store.Reclaim(sctx, instanceID)
	cancel()
	if err != nil {
		zap.L().Warn("presence.reclaim", zap.String("instance", instanceID), zap.Error(err))
		return err
	}
	if n > 0 {
		zap.L().Info("presence.reclaimed",
			zap.String("instance", instanceID), zap.Int64("connections", n))
		t.broadcastSnapshot(ctx)
	}
	return nil
}

// SweepOrphans reclaims ledgers left by instances whose lease is gone.
func (t *Tracker) SweepOrphans(ctx context.Context) error {
	sctx, cancel := t.storeCtx(ctx)
	ids, err := t.store.OrphanedInstances(sctx)
	cancel()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.Reclaim(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown releases everything this instance still holds and gives up the
// lease.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	t.mu.Lock()
	local := len(t.members)
	t.members = make(map[string]Member)
	t.mu.Unlock()

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	n, err := t.store.ReleaseAll(sctx, t.instanceID)
	if err != nil {
		return err
	}
	if err := t.store.DropLease(sctx, t.instanceID); err != nil {
		return err
	}
	zap.L().Info("presence.shutdown",
		zap.Int("local", local), zap.Int64("released", n))
	if n > 0 {
		t.broadcastSnapshot(ctx)
	}
	return nil
}

func (t *Tracker) broadcastSnapshot(ctx context.Context) {
	agg, err := t.Snapshot(ctx)
	if err != nil {
		zap.L().Warn("presence.snapshot", zap.Error(err))
		return
	}
	t.publish(ctx, agg)
}

// publish always broadcasts, even when the numbers did not change.
func (t *Tracker) publish(ctx context.Context, agg Aggregate) {
	payload, err := json.Marshal(agg)
	if err != nil {
		zap.L().Error("presence.marshal", zap.Error(err))
		return
	}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.bcast.Broadcast(sctx, GroupName, payload); err != nil {
		zap.L().Warn("presence.broadcast", zap.Error(err))
	}
}

func (t *Tracker) count(ctx context.Context, op string) {
	if t.updates != nil {
		t.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
