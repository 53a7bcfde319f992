package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"teamchat/internal/identity"
)

const (
	UserConnectionsKey      = "user_connections"
	AnonymousConnectionsKey = "anonymous_connections"
	LedgerKeyPrefix         = "presence:ledger:"
	LeaseKeyPrefix          = "presence:lease:"

	// GroupName is the broadcast group every presence session joins.
	GroupName = "presence_updates"
)

var ErrStoreUnavailable = errors.New("presence store unavailable")

// Aggregate is the snapshot pushed to presence subscribers.
type Aggregate struct {
	LoggedInUsers    int64 `json:"logged_in_users"`
	AnonymousUsers   int64 `json:"anonymous_users"`
	TotalConnections int64 `json:"total_connections"`
}

func newAggregate(users, anonymous int64) Aggregate {
	return Aggregate{
		LoggedInUsers:    users,
		AnonymousUsers:   anonymous,
		TotalConnections: users + anonymous,
	}
}

// Member is one live connection as the presence store sees it. Anonymous
// members are counted by ConnID.
type Member struct {
	ConnID   string
	Identity identity.Identity
}

// Store is the shared, crash tolerant counter store. Every method is a
// single atomic unit on the server side.
type Store interface {
	// Acquire counts the member and returns the aggregate read in the same
	// batch.
	Acquire(ctx context.Context, instanceID string, m Member) (Aggregate, error)
	// Release undoes a prior Acquire. Releasing a member that holds no entry
	// is a no-op.
	Release(ctx context.Context, instanceID string, m Member) error
	Aggregate(ctx context.Context) (Aggregate, error)

	// RenewLease extends the lease and reports whether it was still held.
	RenewLease(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	DropLease(ctx context.Context, instanceID string) error
	// Reclaim releases every member recorded for a dead instance. It does
	// nothing while the instance's lease is live.
	Reclaim(ctx context.Context, instanceID string) (int64, error)
	// ReleaseAll releases every member recorded for instanceID regardless of
	// its lease.
	ReleaseAll(ctx context.Context, instanceID string) (int64, error)
	// OrphanedInstances lists instances with a ledger but no live lease.
	OrphanedInstances(ctx context.Context) ([]string, error)
}

// InstanceFromLeaseKey extracts the instance id from an expired lease key.
func InstanceFromLeaseKey(key string) (string, bool) {
	if !strings.HasPrefix(key, LeaseKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, LeaseKeyPrefix)
	return id, id != ""
}
