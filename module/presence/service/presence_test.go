package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/module/presence/model"
	"PPRealtime/module/presence/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/pubsub"
	"PPRealtime/service/registry"
	"PPRealtime/service/storage"

	"github.com/stretchr/testify/require"
)

const testGrace = 150 * time.Millisecond

type nopSink struct{}

func (nopSink) Send([]byte) bool { return true }
func (nopSink) Close()           {}

// cluster 多个模拟实例共享总线、存活索引、二级缓存和存储
type cluster struct {
	hub   *pubsub.Hub
	live  *storage.MemLiveness
	tier  *cache.MemTier
	store *store.Memory

	mu  sync.Mutex
	got []model.Record
}

type node struct {
	reg *registry.Registry
	svc *Service
	c   *cache.Facade
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	cl := &cluster{
		hub:   pubsub.NewHub(),
		live:  storage.NewMemLiveness(),
		tier:  cache.NewMemTier(),
		store: store.NewMemory(),
	}
	obs := cl.hub.Bus("observer")
	_, err := obs.Subscribe(pubsub.PresenceChannel, func(_ context.Context, ev pubsub.Event) error {
		var rec model.Record
		if err := ev.Decode(&rec); err != nil {
			return err
		}
		cl.mu.Lock()
		cl.got = append(cl.got, rec)
		cl.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })
	return cl
}

func (cl *cluster) node(t *testing.T, name string) *node {
	t.Helper()
	return cl.nodeWith(t, name, true)
}

// deaf 不消费其他实例的 presence 广播，模拟广播迟到
func (cl *cluster) deaf(t *testing.T, name string) *node {
	t.Helper()
	return cl.nodeWith(t, name, false)
}

func (cl *cluster) nodeWith(t *testing.T, name string, listen bool) *node {
	t.Helper()
	c, err := cache.New(cache.Options{DefaultTTL: time.Minute}, cl.tier)
	require.NoError(t, err)
	bus := cl.hub.Bus(name)
	reg := registry.New(name, registry.Conf{TTL: time.Minute, SweepEvery: time.Minute})
	svc := New(Deps{
		Store: cl.store,
		Cache: c,
		Bus:   bus,
		Live:  cl.live.ForNode(name),
		Conns: reg,
	}, Options{Grace: testGrace, CacheTTL: time.Minute, ConnTTL: time.Minute})
	reg.SetListener(svc)

	if listen {
		_, err = bus.Subscribe(pubsub.PresenceChannel, func(ctx context.Context, ev pubsub.Event) error {
			_, _, err := svc.ApplyRemote(ctx, ev)
			return err
		})
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		reg.Close(context.Background())
		svc.Close()
		c.Close()
		_ = bus.Close()
	})
	return &node{reg: reg, svc: svc, c: c}
}

func (cl *cluster) transitions(user string, online bool) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for _, r := range cl.got {
		if r.UserID == user && r.IsOnline == online {
			n++
		}
	}
	return n
}

func (cl *cluster) last(user string) (model.Record, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i := len(cl.got) - 1; i >= 0; i-- {
		if cl.got[i].UserID == user {
			return cl.got[i], true
		}
	}
	return model.Record{}, false
}

func TestFlapWithinGraceEmitsNoOffline(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	conn, err := a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cl.transitions("u1", true) == 1 }, time.Second, 10*time.Millisecond)

	a.reg.Unregister(ctx, conn)
	time.Sleep(testGrace / 3)
	_, err = a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)

	time.Sleep(3 * testGrace)
	require.Equal(t, 0, cl.transitions("u1", false))
	require.Equal(t, 1, cl.transitions("u1", true))

	rec, err := a.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
}

func TestLastDisconnectEmitsExactlyOneOffline(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	c1, err := a.reg.Register(ctx, "u1", "phone", nopSink{})
	require.NoError(t, err)
	c2, err := a.reg.Register(ctx, "u1", "laptop", nopSink{})
	require.NoError(t, err)

	a.reg.Unregister(ctx, c1)
	time.Sleep(2 * testGrace)
	require.Equal(t, 0, cl.transitions("u1", false))

	a.reg.Unregister(ctx, c2)
	require.Eventually(t, func() bool { return cl.transitions("u1", false) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(2 * testGrace)
	require.Equal(t, 1, cl.transitions("u1", false))

	rec, err := a.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
	require.False(t, rec.LastSeen.IsZero())
}

func TestTwoInstancesStayOnlineUntilBothGone(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")
	b := cl.node(t, "b")

	ca, err := a.reg.Register(ctx, "u1", "web", nopSink{})
	require.NoError(t, err)
	cb, err := b.reg.Register(ctx, "u1", "app", nopSink{})
	require.NoError(t, err)

	a.reg.Unregister(ctx, ca)
	time.Sleep(3 * testGrace)
	require.Equal(t, 0, cl.transitions("u1", false))

	online, err := a.svc.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online)
	rec, err := b.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)

	b.reg.Unregister(ctx, cb)
	require.Eventually(t, func() bool { return cl.transitions("u1", false) == 1 }, 2*time.Second, 10*time.Millisecond)

	online, err = a.svc.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)
	require.Eventually(t, func() bool {
		r, err := a.svc.Get(ctx, "u1")
		return err == nil && !r.IsOnline
	}, time.Second, 10*time.Millisecond)
}

func TestAvailabilitySurvivesReconnect(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	conn, err := a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	rec, err := a.svc.SetAvailability(ctx, "u1", model.Busy)
	require.NoError(t, err)
	require.Equal(t, model.Busy, rec.Availability)

	a.reg.Unregister(ctx, conn)
	require.Eventually(t, func() bool { return cl.transitions("u1", false) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cl.transitions("u1", true) == 2 }, time.Second, 10*time.Millisecond)

	rec, err = a.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
	require.Equal(t, model.Busy, rec.Availability)

	_, err = a.svc.SetAvailability(ctx, "u1", model.Availability("sleeping"))
	require.Error(t, err)
}

func TestHeartbeatRefreshesLastSeenWithoutPublishing(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	conn, err := a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	before, err := a.svc.Get(ctx, "u1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, a.reg.Heartbeat(ctx, conn))

	after, err := a.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, after.LastSeen.After(before.LastSeen))
	require.True(t, after.IsOnline)

	time.Sleep(50 * time.Millisecond)
	cl.mu.Lock()
	n := len(cl.got)
	cl.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestResyncAfterBusReconnect(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	cl.hub.Disconnect("a")
	_, err := a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, cl.transitions("u1", true))

	cl.hub.Reconnect("a")
	require.Eventually(t, func() bool { return cl.transitions("u1", true) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec, ok := cl.last("u1")
	require.True(t, ok)
	require.True(t, rec.IsOnline)
}

func TestRemoteUpdatesRefreshPeerCache(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")
	b := cl.node(t, "b")

	// b 先把离线记录读进本地缓存
	rec, err := b.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)

	_, err = a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := b.svc.Get(ctx, "u1")
		return err == nil && r.IsOnline
	}, time.Second, 10*time.Millisecond)
}

func TestApplyRemoteIgnoresOlder(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	b := cl.node(t, "b")

	now := time.Now()
	fresh := model.Record{UserID: "u1", IsOnline: true, Availability: model.Away, LastSeen: now, UpdatedAt: now}
	stale := model.Record{UserID: "u1", IsOnline: false, Availability: model.Available, LastSeen: now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute)}

	ev, err := pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, "a", fresh)
	require.NoError(t, err)
	_, applied, err := b.svc.ApplyRemote(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)

	ev, err = pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, "a", stale)
	require.NoError(t, err)
	cur, applied, err := b.svc.ApplyRemote(ctx, ev)
	require.NoError(t, err)
	require.False(t, applied)
	require.True(t, cur.IsOnline)

	got, err := b.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, model.Away, got.Availability)
}

func TestApplyRemoteIgnoresEqualTimestamp(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	b := cl.node(t, "b")

	now := time.Now()
	first := model.Record{UserID: "u1", IsOnline: true, Availability: model.Away, LastSeen: now, UpdatedAt: now}
	rival := model.Record{UserID: "u1", IsOnline: false, Availability: model.Busy, LastSeen: now, UpdatedAt: now}

	ev, err := pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, "a", first)
	require.NoError(t, err)
	_, applied, err := b.svc.ApplyRemote(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)

	ev, err = pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, "c", rival)
	require.NoError(t, err)
	cur, applied, err := b.svc.ApplyRemote(ctx, ev)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, model.Away, cur.Availability)

	// 同一份记录（来源已写入共享缓存）仍要下发
	ev, err = pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, "a", first)
	require.NoError(t, err)
	_, applied, err = b.svc.ApplyRemote(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := b.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, got.IsOnline)
	require.Equal(t, model.Away, got.Availability)
}

func TestSimultaneousGraceExpiryEmitsOneOffline(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.deaf(t, "a")
	b := cl.deaf(t, "b")

	ca, err := a.reg.Register(ctx, "u1", "web", nopSink{})
	require.NoError(t, err)
	cb, err := b.reg.Register(ctx, "u1", "app", nopSink{})
	require.NoError(t, err)

	// 两边的宽限期几乎同时到期，且都看不到对方的广播
	a.reg.Unregister(ctx, ca)
	b.reg.Unregister(ctx, cb)
	require.Eventually(t, func() bool { return cl.transitions("u1", false) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * testGrace)
	require.Equal(t, 1, cl.transitions("u1", false))

	online, err := b.svc.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)

	// 重新上线后下一轮离线照常宣告
	cb, err = b.reg.Register(ctx, "u1", "app", nopSink{})
	require.NoError(t, err)
	b.reg.Unregister(ctx, cb)
	require.Eventually(t, func() bool { return cl.transitions("u1", false) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestGetFallsBackToLocalKnowledge(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	a := cl.node(t, "a")

	_, err := a.reg.Register(ctx, "u1", "d1", nopSink{})
	require.NoError(t, err)

	require.NoError(t, a.c.Delete(ctx, model.CacheKey("u1")))
	cl.store.SetFailure(errors.New("mongo down"))
	t.Cleanup(func() { cl.store.SetFailure(nil) })

	rec, err := a.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)

	_, err = a.svc.Get(ctx, "nobody")
	require.Error(t, err)
}
