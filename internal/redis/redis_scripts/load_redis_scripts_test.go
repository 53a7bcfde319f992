package redis_scripts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedScripts(t *testing.T) {
	assert.NotNil(t, Get(PresenceRelease))
	assert.NotNil(t, Get(PresenceReclaim))
	assert.Panics(t, func() { Get("nope") })
}

func TestLoadAll(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	require.NoError(t, LoadAll(ctx, rdb))

	exists, err := rdb.ScriptExists(ctx,
		Get(PresenceRelease).Hash(), Get(PresenceReclaim).Hash()).Result()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, exists)
}
