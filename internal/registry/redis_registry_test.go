package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, mr *miniredis.Miniredis, instance string) *RedisRegistry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRegistry(client, Config{Prefix: "livechat", InstanceID: instance, KeyTTL: 10 * time.Second})
}

func TestRedisRegistry_AddListRemove(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestRegistry(t, mr, "a")
	b := newTestRegistry(t, mr, "b")

	req.NoError(a.AddRoom(ctx, "42"))
	req.NoError(b.AddRoom(ctx, "42"))
	req.True(mr.Exists("livechat:room:42:instance:a"))

	instances, err := a.Instances(ctx, "42")
	req.NoError(err)
	req.ElementsMatch([]string{"a", "b"}, instances)

	req.NoError(a.RemoveRoom(ctx, "42"))
	instances, err = b.Instances(ctx, "42")
	req.NoError(err)
	req.Equal([]string{"b"}, instances)
}

func TestRedisRegistry_KeysExpireWithoutHeartbeat(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "a")

	req.NoError(r.AddRoom(ctx, "42"))
	mr.FastForward(11 * time.Second)

	instances, err := r.Instances(ctx, "42")
	req.NoError(err)
	req.Empty(instances)
}

func TestRedisRegistry_RefreshExtendsTTL(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "a")

	req.NoError(r.AddRoom(ctx, "42"))
	mr.FastForward(8 * time.Second)
	r.refreshKeys(ctx)
	mr.FastForward(8 * time.Second)

	req.True(mr.Exists("livechat:room:42:instance:a"))
}

func TestRedisRegistry_CloseRemovesOwnedKeys(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "a")

	req.NoError(r.AddRoom(ctx, "1"))
	req.NoError(r.AddRoom(ctx, "2"))
	req.NoError(r.StartHeartbeat(ctx))

	req.NoError(r.Close())

	req.False(mr.Exists("livechat:room:1:instance:a"))
	req.False(mr.Exists("livechat:room:2:instance:a"))
}
