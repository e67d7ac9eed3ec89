package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/pubsub"
	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) set(uid string, on bool) {
	p.mu.Lock()
	p.online[uid] = on
	p.mu.Unlock()
}

func (p *fakePresence) IsOnline(_ context.Context, uid string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[uid], nil
}

type notice struct{ user, msg string }

type fakeNotifier struct {
	mu  sync.Mutex
	got []notice
}

func (n *fakeNotifier) Notify(_ context.Context, userID, messageID, _, _ string) error {
	n.mu.Lock()
	n.got = append(n.got, notice{userID, messageID})
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) list() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.got...)
}

type recorder struct {
	mu  sync.Mutex
	evs []pubsub.Event
}

func (r *recorder) handle(_ context.Context, ev pubsub.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) named(name string) []pubsub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pubsub.Event
	for _, ev := range r.evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	hub      *pubsub.Hub
	engine   *Engine
	store    *store.Memory
	presence *fakePresence
	notifier *fakeNotifier
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := pubsub.NewHub()
	bus := hub.Bus("a")
	c, err := cache.New(cache.Options{DefaultTTL: time.Minute}, cache.NewMemTier())
	require.NoError(t, err)

	f := &fixture{
		hub:      hub,
		store:    store.NewMemory(),
		presence: &fakePresence{online: map[string]bool{}},
		notifier: &fakeNotifier{},
		rec:      &recorder{},
	}
	f.engine = New(Deps{
		Store:    f.store,
		Cache:    c,
		Bus:      bus,
		Presence: f.presence,
		Notifier: f.notifier,
	}, Options{TypingTTL: 100 * time.Millisecond, ConversationTTL: time.Minute})

	obs := hub.Bus("observer")
	_, err = obs.Subscribe(pubsub.ConversationPattern, f.rec.handle)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.engine.Wait()
		_ = obs.Close()
		_ = bus.Close()
		c.Close()
	})
	return f
}

func text(s string) SendInput {
	return SendInput{Type: model.Text, Content: model.Content{Text: s}}
}

func (f *fixture) message(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// 读蕴含送达：readBy ⊆ deliveredTo ∪ {sender}
func requireReadImpliesDelivered(t *testing.T, m *model.Message) {
	t.Helper()
	for _, u := range m.ReadBy {
		require.True(t, m.IsDeliveredTo(u), "user %s read but not delivered", u)
	}
}

func TestDirectConversationScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.presence.set("B", true)

	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, model.DirectID("B", "A"), conv.ID)

	m1, err := f.engine.SendMessage(ctx, conv.ID, "A", text("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(1), m1.Seq)
	f.engine.Wait()

	got := f.message(t, m1.ID)
	require.Equal(t, []string{"B"}, got.DeliveredTo)
	require.Empty(t, got.ReadBy)
	require.Empty(t, f.notifier.list())
	require.Eventually(t, func() bool { return len(f.rec.named(model.EventMessageDelivered)) == 1 }, time.Second, 10*time.Millisecond)

	r, err := f.engine.MarkRead(ctx, []string{m1.ID}, "B", conv.ID, "phone")
	require.NoError(t, err)
	require.Equal(t, []string{m1.ID}, r.MessageIDs)
	got = f.message(t, m1.ID)
	require.Equal(t, []string{"B"}, got.ReadBy)

	r, err = f.engine.MarkRead(ctx, []string{m1.ID, m1.ID}, "B", conv.ID, "phone")
	require.NoError(t, err)
	require.Empty(t, r.MessageIDs)
	require.Equal(t, []string{"B"}, f.message(t, m1.ID).ReadBy)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.rec.named(model.EventMessageRead), 1)
	require.Len(t, f.rec.named(model.EventMessageCreated), 1)
}

func TestReadSelfHealsDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Group, []string{"A", "B", "C"})
	require.NoError(t, err)
	f.presence.set("C", true)

	m, err := f.engine.SendMessage(ctx, conv.ID, "A", text("hi all"))
	require.NoError(t, err)
	f.engine.Wait()

	// B 离线：未送达，进通知队列
	require.Equal(t, []notice{{"B", m.ID}}, f.notifier.list())
	got := f.message(t, m.ID)
	require.Equal(t, []string{"C"}, got.DeliveredTo)

	_, err = f.engine.MarkRead(ctx, []string{m.ID}, "B", conv.ID, "")
	require.NoError(t, err)
	got = f.message(t, m.ID)
	require.ElementsMatch(t, []string{"B", "C"}, got.DeliveredTo)
	requireReadImpliesDelivered(t, got)

	// 已读后再标记送达是空操作
	changed, err := f.engine.MarkDelivered(ctx, m.ID, "B")
	require.NoError(t, err)
	require.False(t, changed)

	// 发送者标记送达 / 已读都是空操作
	changed, err = f.engine.MarkDelivered(ctx, m.ID, "A")
	require.NoError(t, err)
	require.False(t, changed)
	r, err := f.engine.MarkRead(ctx, []string{m.ID}, "A", conv.ID, "")
	require.NoError(t, err)
	require.Empty(t, r.MessageIDs)

	got = f.message(t, m.ID)
	require.NotContains(t, got.DeliveredTo, "A")
	require.NotContains(t, got.ReadBy, "A")
	requireReadImpliesDelivered(t, got)
}

func TestNonParticipantsAreRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)

	_, err = f.engine.SendMessage(ctx, conv.ID, "C", text("let me in"))
	require.True(t, errs.ErrNotParticipant.Is(err))

	m, err := f.engine.SendMessage(ctx, conv.ID, "A", text("hi"))
	require.NoError(t, err)
	_, err = f.engine.MarkRead(ctx, []string{m.ID}, "C", conv.ID, "")
	require.True(t, errs.ErrNotParticipant.Is(err))
	_, err = f.engine.SetTyping(ctx, conv.ID, "C", true)
	require.True(t, errs.ErrNotParticipant.Is(err))
	_, err = f.engine.History(ctx, conv.ID, "C", 0, 10)
	require.True(t, errs.ErrNotParticipant.Is(err))
}

func TestJoinDirectIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)

	_, err = f.engine.JoinConversation(ctx, conv.ID, "C")
	require.True(t, errs.ErrImmutableParticipants.Is(err))

	after, err := f.engine.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, after.ParticipantIDs)
}

func TestJoinGroupIsSetUnion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Channel, []string{"A"})
	require.NoError(t, err)
	// 先读一次，让缓存里是旧成员
	_, err = f.engine.Conversation(ctx, conv.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := f.engine.JoinConversation(ctx, conv.ID, "B")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"A", "B"}, out.ParticipantIDs)
	}
	_, err = f.engine.SendMessage(ctx, conv.ID, "B", text("joined"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.rec.named(model.EventConvJoined)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTypingSelfClears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)

	_, err = f.engine.SetTyping(ctx, conv.ID, "A", true)
	require.NoError(t, err)
	on, err := f.engine.IsTyping(ctx, conv.ID, "A")
	require.NoError(t, err)
	require.True(t, on)

	require.Eventually(t, func() bool {
		on, err := f.engine.IsTyping(ctx, conv.ID, "A")
		return err == nil && !on
	}, time.Second, 20*time.Millisecond)

	_, err = f.engine.SetTyping(ctx, conv.ID, "B", true)
	require.NoError(t, err)
	_, err = f.engine.SetTyping(ctx, conv.ID, "B", false)
	require.NoError(t, err)
	on, err = f.engine.IsTyping(ctx, conv.ID, "B")
	require.NoError(t, err)
	require.False(t, on)

	require.Eventually(t, func() bool { return len(f.rec.named(model.EventTypingUpdated)) == 3 }, time.Second, 10*time.Millisecond)
}

func TestCreatedEventsFollowSeqOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.engine.CreateConversation(ctx, model.Group, []string{"A", "B", "C"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sender := range []string{"A", "B", "C"} {
		sender := sender
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := f.engine.SendMessage(ctx, conv.ID, sender, text("x")); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(f.rec.named(model.EventMessageCreated)) == 30 }, 2*time.Second, 10*time.Millisecond)
	var last int64
	for _, ev := range f.rec.named(model.EventMessageCreated) {
		var m model.Message
		require.NoError(t, ev.Decode(&m))
		require.Greater(t, m.Seq, last)
		last = m.Seq
	}
	require.Equal(t, int64(30), last)

	page, err := f.engine.History(ctx, conv.ID, "A", 11, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	require.Equal(t, int64(6), page[0].Seq)
	require.Equal(t, int64(10), page[4].Seq)
}

func TestSendValidatesContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)

	_, err = f.engine.SendMessage(ctx, conv.ID, "A", text("   "))
	require.True(t, errs.ErrInvalidArgument.Is(err))

	_, err = f.engine.SendMessage(ctx, conv.ID, "A", SendInput{Type: model.Image, Content: model.Content{URL: "ftp://x"}})
	require.True(t, errs.ErrInvalidArgument.Is(err))

	_, err = f.engine.SendMessage(ctx, conv.ID, "A", SendInput{Type: model.File, Content: model.Content{URL: "https://cdn.example.com/a.pdf"}})
	require.True(t, errs.ErrInvalidArgument.Is(err))

	m, err := f.engine.SendMessage(ctx, conv.ID, "A", SendInput{Type: model.Image, Content: model.Content{URL: "https://cdn.example.com/a.png", Width: 10, Height: 10}})
	require.NoError(t, err)
	require.Equal(t, model.Image, m.Type)

	_, err = f.engine.SendMessage(ctx, conv.ID, "A", SendInput{Type: "sticker", Content: model.Content{Text: "x"}})
	require.True(t, errs.ErrInvalidArgument.Is(err))
}

func TestFirstMessageCreatesDirectConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m, err := f.engine.SendMessage(ctx, "", "A", SendInput{Type: model.Text, Content: model.Content{Text: "hey"}, To: "B"})
	require.NoError(t, err)
	require.Equal(t, model.DirectID("A", "B"), m.ConversationID)

	m2, err := f.engine.SendMessage(ctx, model.DirectID("A", "B"), "B", text("yo"))
	require.NoError(t, err)
	require.Equal(t, m.ConversationID, m2.ConversationID)
	require.Equal(t, int64(2), m2.Seq)

	conv, err := f.engine.Conversation(ctx, m.ConversationID)
	require.NoError(t, err)
	require.Equal(t, model.Direct, conv.Kind)
}

func TestStoreOutageSurfacesTryAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.engine.CreateConversation(ctx, model.Direct, []string{"A", "B"})
	require.NoError(t, err)

	f.store.SetFailure(errors.New("mongo down"))
	_, err = f.engine.SendMessage(ctx, conv.ID, "A", text("lost?"))
	require.True(t, errs.ErrTryAgain.Is(err))
	require.Equal(t, errs.TryAgainCode, errs.Public(err).Code)

	f.store.SetFailure(nil)
	m, err := f.engine.SendMessage(ctx, conv.ID, "A", text("back"))
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Seq)
}

func TestPeersFollowMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateConversation(ctx, model.Direct, []string{"alice", "bob"})
	require.NoError(t, err)
	g, err := f.engine.CreateConversation(ctx, model.Group, []string{"alice", "carol"})
	require.NoError(t, err)

	peers, err := f.engine.Peers(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, peers)

	_, err = f.engine.JoinConversation(ctx, g.ID, "dave")
	require.NoError(t, err)
	peers, err = f.engine.Peers(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol", "dave"}, peers)

	peers, err = f.engine.Peers(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestTwoEnginesShareOneSeqSpace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 第二个实例：同一存储、同一总线集群，各自的缓存
	c, err := cache.New(cache.Options{DefaultTTL: time.Minute}, cache.NewMemTier())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	busB := f.hub.Bus("b")
	t.Cleanup(func() { _ = busB.Close() })
	other := New(Deps{
		Store:    f.store,
		Cache:    c,
		Bus:      busB,
		Presence: f.presence,
	}, Options{})
	t.Cleanup(other.Wait)

	conv, err := f.engine.CreateConversation(ctx, model.Group, []string{"A", "B"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, eng := range []*Engine{f.engine, other} {
		eng := eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				if _, err := eng.SendMessage(ctx, conv.ID, "A", text("x")); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(f.rec.named(model.EventMessageCreated)) == 30 }, 2*time.Second, 10*time.Millisecond)
	seen := map[int64]bool{}
	last := map[string]int64{}
	for _, ev := range f.rec.named(model.EventMessageCreated) {
		var m model.Message
		require.NoError(t, ev.Decode(&m))
		require.False(t, seen[m.Seq], "seq %d issued twice", m.Seq)
		seen[m.Seq] = true
		// 单个实例内的广播仍按 seq 递增
		require.Greater(t, m.Seq, last[ev.Origin])
		last[ev.Origin] = m.Seq
	}
	for s := int64(1); s <= 30; s++ {
		require.True(t, seen[s], "seq %d missing", s)
	}

	page, err := other.Range(ctx, conv.ID, 11, 20)
	require.NoError(t, err)
	require.Len(t, page, 10)
	require.Equal(t, int64(11), page[0].Seq)
	require.Equal(t, int64(20), page[9].Seq)
}
