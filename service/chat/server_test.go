package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PPRealtime/global/config"
	chatModel "PPRealtime/module/chat/model"
	chatService "PPRealtime/module/chat/service"
	chatStore "PPRealtime/module/chat/store"
	notificationService "PPRealtime/module/notification/service"
	notificationStore "PPRealtime/module/notification/store"
	presenceModel "PPRealtime/module/presence/model"
	presenceService "PPRealtime/module/presence/service"
	presenceStore "PPRealtime/module/presence/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/pubsub"
	"PPRealtime/service/registry"
	"PPRealtime/service/rpc"
	"PPRealtime/service/storage"
	sec "PPRealtime/tools/security"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testAuth = sec.DefaultOptions([]byte("gateway-test-secret"))

// shared 模拟集群共享的外部依赖
type shared struct {
	hub      *pubsub.Hub
	live     *storage.MemLiveness
	tier     *cache.MemTier
	chat     *chatStore.Memory
	presence *presenceStore.Memory
	notes    *notificationService.Service
}

func newShared() *shared {
	return &shared{
		hub:      pubsub.NewHub(),
		live:     storage.NewMemLiveness(),
		tier:     cache.NewMemTier(),
		chat:     chatStore.NewMemory(),
		presence: presenceStore.NewMemory(),
		notes:    notificationService.New(notificationStore.NewMemory(), nil),
	}
}

type gateway struct {
	srv   *Server
	http  *httptest.Server
	reg   *registry.Registry
	pres  *presenceService.Service
	cache *cache.Facade
}

type gwConf struct {
	engineBus   func(pubsub.Bus) pubsub.Bus
	reorderWait time.Duration
	peer        PeerPresence
}

type gwOpt func(*gwConf)

// withEngineBus 替换引擎发布用的总线
func withEngineBus(wrap func(pubsub.Bus) pubsub.Bus) gwOpt {
	return func(c *gwConf) { c.engineBus = wrap }
}

func withReorderWait(d time.Duration) gwOpt {
	return func(c *gwConf) { c.reorderWait = d }
}

func withPeer(p PeerPresence) gwOpt {
	return func(c *gwConf) { c.peer = p }
}

func (sh *shared) gateway(t *testing.T, name string, opts ...gwOpt) *gateway {
	t.Helper()
	var gc gwConf
	for _, o := range opts {
		o(&gc)
	}
	c, err := cache.New(cache.Options{DefaultTTL: time.Minute}, sh.tier)
	require.NoError(t, err)
	bus := sh.hub.Bus(name)
	var engineBus pubsub.Bus = bus
	if gc.engineBus != nil {
		engineBus = gc.engineBus(bus)
	}
	reg := registry.New(name, registry.Conf{TTL: time.Minute, SweepEvery: time.Minute})
	pres := presenceService.New(presenceService.Deps{
		Store: sh.presence,
		Cache: c,
		Bus:   bus,
		Live:  sh.live.ForNode(name),
		Conns: reg,
	}, presenceService.Options{Grace: 100 * time.Millisecond})
	reg.SetListener(pres)
	engine := chatService.New(chatService.Deps{
		Store:    sh.chat,
		Cache:    c,
		Bus:      engineBus,
		Presence: pres,
		Notifier: sh.notes,
	}, chatService.Options{})

	srv := NewServer(Deps{
		Registry:      reg,
		Engine:        engine,
		Presence:      pres,
		Notifications: sh.notes,
		Bus:           bus,
		Peer:          gc.peer,
	}, Options{
		WS:          config.WSConfig{PingInterval: time.Second, PongWait: 5 * time.Second, WriteWait: time.Second},
		Auth:        testAuth,
		ReorderWait: gc.reorderWait,
	})
	require.NoError(t, srv.Subscribe())
	hs := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Close(ctx)
		srv.Close(ctx)
		engine.Wait()
		pres.Close()
		c.Close()
		_ = bus.Close()
	})
	return &gateway{srv: srv, http: hs, reg: reg, pres: pres, cache: c}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (g *gateway) dial(t *testing.T, user, device string) *wsClient {
	t.Helper()
	token, err := sec.Generate(testAuth, user, "")
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?device_id=" + device + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &wsClient{t: t, conn: conn}
	c.expect("connected")
	return c
}

func (c *wsClient) emit(event string, data any, ackID string) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data, "ackId": ackID})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID string          `json:"ackId"`
}

// expect 读到指定事件为止，跳过其他帧
func (c *wsClient) expect(event string) inFrame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, b, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		var f inFrame
		require.NoError(c.t, json.Unmarshal(b, &f))
		if f.Event == event {
			return f
		}
	}
}

// expectWith 读到包含 substr 的指定事件为止
func (c *wsClient) expectWith(event, substr string) inFrame {
	c.t.Helper()
	for {
		f := c.expect(event)
		if strings.Contains(string(f.Data), substr) {
			return f
		}
	}
}

// expectAll 收齐所有事件，顺序不限
func (c *wsClient) expectAll(events ...string) map[string]inFrame {
	c.t.Helper()
	want := make(map[string]bool, len(events))
	for _, ev := range events {
		want[ev] = true
	}
	got := make(map[string]inFrame, len(events))
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < len(want) {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, b, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %v", events)
		var f inFrame
		require.NoError(c.t, json.Unmarshal(b, &f))
		if want[f.Event] {
			got[f.Event] = f
		}
	}
	return got
}

func TestHandshakeRequiresToken(t *testing.T) {
	g := newShared().gateway(t, "gw-a")
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCrossInstanceDirectMessage(t *testing.T) {
	sh := newShared()
	a := sh.gateway(t, "gw-a")
	b := sh.gateway(t, "gw-b")

	alice := a.dial(t, "alice", "phone")
	bob := b.dial(t, "bob", "laptop")

	alice.emit(EvMessageSend, map[string]any{"to": "bob", "type": "text", "content": map[string]any{"text": "hi bob"}}, "1")
	ack := alice.expect(evAck)
	require.Equal(t, "1", ack.AckID)
	var sent struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		Seq            int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.EqualValues(t, 1, sent.Seq)

	// bob 在线，引擎异步推进送达
	got := bob.expectAll("message:created", "message:delivered")
	require.Contains(t, string(got["message:created"].Data), "hi bob")

	bob.emit(EvMessageMarkRead, map[string]any{"messageIds": []string{sent.MessageID}, "chatId": sent.ConversationID}, "2")
	bob.expect(evAck)
	read := alice.expect("message:read")
	require.Contains(t, string(read.Data), sent.MessageID)
}

func TestValidationErrorsReachClient(t *testing.T) {
	g := newShared().gateway(t, "gw-a")
	alice := g.dial(t, "alice", "phone")

	alice.emit(EvMessageSend, map[string]any{"conversationId": "nope", "type": "text", "content": map[string]any{"text": ""}}, "x")
	f := alice.expect(evError)
	require.Equal(t, "x", f.AckID)
	require.Contains(t, string(f.Data), `"code":1004`)

	alice.emit("no:such_event", nil, "y")
	f = alice.expect(evError)
	require.Equal(t, "y", f.AckID)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	alice.expect(evError)
}

func TestOfflineRecipientGetsUnreadOnConnect(t *testing.T) {
	sh := newShared()
	g := sh.gateway(t, "gw-a")
	alice := g.dial(t, "alice", "phone")

	alice.emit(EvMessageSend, map[string]any{"to": "carol", "content": map[string]any{"text": "are you there"}}, "1")
	alice.expect(evAck)

	require.Eventually(t, func() bool {
		list, err := sh.notes.Unread(context.Background(), "carol", 0)
		return err == nil && len(list) == 1
	}, 2*time.Second, 20*time.Millisecond)

	carol := g.dial(t, "carol", "tablet")
	f := carol.expect("notification:received")
	var n struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &n))
	require.Equal(t, "New message", n.Title)

	carol.emit(EvNotificationRead, map[string]any{"ids": []string{n.ID}}, "r")
	carol.expect("notification:read")

	carol.emit(EvNotificationUnread, map[string]any{}, "u")
	f = carol.expect(evNotificationUnreadL)
	require.JSONEq(t, `[]`, string(f.Data))
}

func TestPresenceReachesConversationPeers(t *testing.T) {
	sh := newShared()
	a := sh.gateway(t, "gw-a")
	b := sh.gateway(t, "gw-b")

	alice := a.dial(t, "alice", "phone")
	alice.emit(EvConversationCreate, map[string]any{"kind": "group", "participantIds": []string{"bob"}}, "c")
	alice.expect(evAck)

	b.dial(t, "bob", "laptop")
	f := alice.expectWith("presence:updated", `"userId":"bob"`)
	require.Contains(t, string(f.Data), `"isOnline":true`)

	resp, err := http.Get(a.http.URL + "/presence/bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTypingAndJoinFramesUseChatID(t *testing.T) {
	sh := newShared()
	a := sh.gateway(t, "gw-a")
	b := sh.gateway(t, "gw-b")

	alice := a.dial(t, "alice", "phone")
	bob := b.dial(t, "bob", "laptop")

	alice.emit(EvConversationCreate, map[string]any{"kind": "group", "participantIds": []string{"bob"}}, "c")
	var group struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect(evAck).Data, &group))
	require.NotEmpty(t, group.ID)

	alice.emit(EvTypingSet, map[string]any{"chatId": group.ID, "isTyping": true}, "t")
	require.Equal(t, "t", alice.expect(evAck).AckID)
	f := bob.expect(chatModel.EventTypingUpdated)
	require.Contains(t, string(f.Data), `"userId":"alice"`)
	require.Contains(t, string(f.Data), `"isTyping":true`)

	carol := b.dial(t, "carol", "tablet")
	carol.emit(EvConversationJoin, map[string]any{"chatId": group.ID}, "j")
	ack := carol.expect(evAck)
	require.Equal(t, "j", ack.AckID)
	require.Contains(t, string(ack.Data), `"carol"`)
	alice.expectWith(chatModel.EventConvJoined, `"userId":"carol"`)

	// 单聊成员不可变
	alice.emit(EvMessageSend, map[string]any{"to": "bob", "content": map[string]any{"text": "hi"}}, "m")
	alice.expect(evAck)
	carol.emit(EvConversationJoin, map[string]any{"chatId": chatModel.DirectID("alice", "bob")}, "d")
	f = carol.expect(evError)
	require.Equal(t, "d", f.AckID)
	require.Contains(t, string(f.Data), `"code":1002`)
}

// slowCreated 延迟 message:created 的发布，模拟一个实例广播落后
type slowCreated struct {
	pubsub.Bus
	delay time.Duration
}

func (b slowCreated) Publish(ctx context.Context, channel string, ev pubsub.Event) error {
	if ev.Name == chatModel.EventMessageCreated {
		time.Sleep(b.delay)
	}
	return b.Bus.Publish(ctx, channel, ev)
}

func TestCreatedFollowsSeqAcrossInstances(t *testing.T) {
	sh := newShared()
	a := sh.gateway(t, "gw-a", withEngineBus(func(b pubsub.Bus) pubsub.Bus {
		return slowCreated{Bus: b, delay: 150 * time.Millisecond}
	}))
	b := sh.gateway(t, "gw-b")
	c := sh.gateway(t, "gw-c", withReorderWait(time.Second))

	alice := a.dial(t, "alice", "phone")
	bob := b.dial(t, "bob", "laptop")
	carol := c.dial(t, "carol", "tablet")

	alice.emit(EvConversationCreate, map[string]any{"kind": "group", "participantIds": []string{"bob", "carol"}}, "c")
	var group struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect(evAck).Data, &group))

	alice.emit(EvMessageSend, map[string]any{"conversationId": group.ID, "content": map[string]any{"text": "first"}}, "1")
	// seq 1 已落库，广播还卡在 gw-a
	require.Eventually(t, func() bool {
		page, err := sh.chat.History(context.Background(), group.ID, 0, 10)
		return err == nil && len(page) == 1
	}, time.Second, 5*time.Millisecond)
	bob.emit(EvMessageSend, map[string]any{"conversationId": group.ID, "content": map[string]any{"text": "second"}}, "2")
	bob.expect(evAck)
	alice.expect(evAck)

	var seqs []int64
	for i := 0; i < 2; i++ {
		var m struct {
			Seq int64 `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(carol.expect(chatModel.EventMessageCreated).Data, &m))
		seqs = append(seqs, m.Seq)
	}
	require.Equal(t, []int64{1, 2}, seqs)
}

func TestMissingCreatedIsFilledFromStore(t *testing.T) {
	sh := newShared()
	// gw-a 的 message:created 根本发不出去
	a := sh.gateway(t, "gw-a", withEngineBus(func(b pubsub.Bus) pubsub.Bus { return dropCreated{b} }))
	b := sh.gateway(t, "gw-b", withReorderWait(100*time.Millisecond))

	alice := a.dial(t, "alice", "phone")
	bob := b.dial(t, "bob", "laptop")

	alice.emit(EvConversationCreate, map[string]any{"kind": "group", "participantIds": []string{"bob"}}, "c")
	var group struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect(evAck).Data, &group))

	bob.emit(EvMessageSend, map[string]any{"conversationId": group.ID, "content": map[string]any{"text": "hello"}}, "1")
	got := bob.expectAll(evAck, chatModel.EventMessageCreated)
	require.Contains(t, string(got[chatModel.EventMessageCreated].Data), `"seq":1`)

	alice.emit(EvMessageSend, map[string]any{"conversationId": group.ID, "content": map[string]any{"text": "lost"}}, "2")
	alice.expect(evAck)
	bob.emit(EvMessageSend, map[string]any{"conversationId": group.ID, "content": map[string]any{"text": "kept"}}, "3")
	bob.expect(evAck)

	// seq 2 的广播丢了，等待到期后从存储补上
	second := bob.expect(chatModel.EventMessageCreated)
	require.Contains(t, string(second.Data), "lost")
	require.Contains(t, string(second.Data), `"seq":2`)
	third := bob.expect(chatModel.EventMessageCreated)
	require.Contains(t, string(third.Data), "kept")
}

type dropCreated struct{ pubsub.Bus }

func (b dropCreated) Publish(ctx context.Context, channel string, ev pubsub.Event) error {
	if ev.Name == chatModel.EventMessageCreated {
		return nil
	}
	return b.Bus.Publish(ctx, channel, ev)
}

func TestPresenceFallsBackToPeerInstance(t *testing.T) {
	sh := newShared()
	b := sh.gateway(t, "gw-b")
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcSrv, _ := rpc.NewServer(b.pres)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

	peer := rpc.NewManager(rpc.Config{Target: lis.Addr().String()})
	peer.Start()
	t.Cleanup(peer.Stop)
	require.Eventually(t, peer.Healthy, 3*time.Second, 10*time.Millisecond)

	a := sh.gateway(t, "gw-a", withPeer(peer))
	alice := a.dial(t, "alice", "phone")
	alice.emit(EvConversationCreate, map[string]any{"kind": "group", "participantIds": []string{"bob"}}, "c")
	alice.expect(evAck)
	b.dial(t, "bob", "laptop")
	alice.expectWith("presence:updated", `"userId":"bob"`)

	// 缓存丢了，存储也挂了：只有 gw-b 还知道 bob 在线
	ctx := context.Background()
	require.NoError(t, a.cache.Delete(ctx, presenceModel.CacheKey("bob")))
	require.NoError(t, b.cache.Delete(ctx, presenceModel.CacheKey("bob")))
	sh.presence.SetFailure(errors.New("mongo down"))
	t.Cleanup(func() { sh.presence.SetFailure(nil) })

	token, err := sec.Generate(testAuth, "alice", "")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, a.http.URL+"/presence/bob", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data presenceModel.Record `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "bob", body.Data.UserID)
	require.True(t, body.Data.IsOnline)
}
