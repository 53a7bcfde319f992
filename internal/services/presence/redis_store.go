package presence

import (
	"context"
	"fmt"
	"time"

	"teamchat/internal/redis/redis_scripts"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) Store {
	return &redisStore{rdb: rdb}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func ledgerOwner(m Member) string {
	if m.Identity.IsAuthenticated() {
		return "u:" + m.Identity.UserID
	}
	return "a:" + m.ConnID
}

// Acquire runs the counter update, the ledger write and both cardinality
// reads inside one MULTI/EXEC so the returned aggregate includes this member.
func (s *redisStore) Acquire(ctx context.Context, instanceID string, m Member) (Aggregate, error) {
	var users, anon *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if m.Identity.IsAuthenticated() {
			pipe.HIncrBy(ctx, UserConnectionsKey, m.Identity.UserID, 1)
		} else {
			pipe.SAdd(ctx, AnonymousConnectionsKey, m.ConnID)
		}
		pipe.HSet(ctx, LedgerKeyPrefix+instanceID, m.ConnID, ledgerOwner(m))
		users = pipe.HLen(ctx, UserConnectionsKey)
		anon = pipe.SCard(ctx, AnonymousConnectionsKey)
		return nil
	})
	if err != nil {
		return Aggregate{}, unavailable(err)
	}
	return newAggregate(users.Val(), anon.Val()), nil
}

func (s *redisStore) Release(ctx context.Context, instanceID string, m Member) error {
	keys := []string{UserConnectionsKey, AnonymousConnectionsKey, LedgerKeyPrefix + instanceID}
	err := redis_scripts.Get(redis_scripts.PresenceRelease).
		Run(ctx, s.rdb, keys, m.ConnID, m.Identity.UserID).Err()
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *redisStore) Aggregate(ctx context.Context) (Aggregate, error) {
	var users, anon *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		users = pipe.HLen(ctx, UserConnectionsKey)
		anon = pipe.SCard(ctx, AnonymousConnectionsKey)
		return nil
	})
	if err != nil {
		return Aggregate{}, unavailable(err)
	}
	return newAggregate(users.Val(), anon.Val()), nil
}

// RenewLease reports whether the lease was still held. A lease that expired
// in the meantime may already have been reclaimed by another instance.
func (s *redisStore) RenewLease(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	var existed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existed = pipe.Exists(ctx, LeaseKeyPrefix+instanceID)
		pipe.Set(ctx, LeaseKeyPrefix+instanceID, time.Now().Unix(), ttl)
		return nil
	})
	if err != nil {
		return false, unavailable(err)
	}
	return existed.Val() == 1, nil
}

func (s *redisStore) DropLease(ctx context.Context, instanceID string) error {
	if err := s.rdb.Del(ctx, LeaseKeyPrefix+instanceID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *redisStore) Reclaim(ctx context.Context, instanceID string) (int64, error) {
	return s.reclaim(ctx, instanceID, "0")
}

func (s *redisStore) ReleaseAll(ctx context.Context, instanceID string) (int64, error) {
	return s.reclaim(ctx, instanceID, "1")
}

func (s *redisStore) reclaim(ctx context.Context, instanceID, force string) (int64, error) {
	keys := []string{
		UserConnectionsKey,
		AnonymousConnectionsKey,
		LedgerKeyPrefix + instanceID,
		LeaseKeyPrefix + instanceID,
	}
	n, err := redis_scripts.Get(redis_scripts.PresenceReclaim).Run(ctx, s.rdb, keys, force).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *redisStore) OrphanedInstances(ctx context.Context) ([]string, error) {
	var ledgers []string
	iter := s.rdb.Scan(ctx, 0, LedgerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ledgers = append(ledgers, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}
	if len(ledgers) == 0 {
		return nil, nil
	}

	// 1. check every lease in one pipelined round-trip
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ledgers))
	for i, k := range ledgers {
		cmds[i] = pipe.Exists(ctx, LeaseKeyPrefix+k[len(LedgerKeyPrefix):])
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	var orphans []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			orphans = append(orphans, ledgers[i][len(LedgerKeyPrefix):])
		}
	}
	return orphans, nil
}
