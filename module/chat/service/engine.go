package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/pubsub"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/retry"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Presence 引擎只关心某人是否在线
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Notifier 离线参与者的通知入队，尽力而为
type Notifier interface {
	Notify(ctx context.Context, userID, messageID, title, body string) error
}

type Options struct {
	TypingTTL       time.Duration
	ConversationTTL time.Duration
	HistoryLimit    int
	Tunables        func() config.Tunables
	Clock           func() time.Time
}

type Deps struct {
	Store    store.Store
	Cache    *cache.Facade
	Bus      pubsub.Bus
	Presence Presence
	Notifier Notifier // 可为空
}

// SendInput message:send 的业务参数
type SendInput struct {
	Type    model.MsgType
	Content model.Content
	ReplyTo string
	// To 会话不存在时用来创建单聊
	To string
}

type Engine struct {
	deps  Deps
	opts  Options
	log   *zap.Logger
	locks *keyedMutex
	async sync.WaitGroup
}

const maxHistoryLimit = 200

func New(deps Deps, opts Options) *Engine {
	safe.MustNotNil(deps.Store, "chat store")
	safe.MustNotNil(deps.Cache, "chat cache")
	safe.MustNotNil(deps.Bus, "chat bus")
	safe.MustNotNil(deps.Presence, "chat presence")
	def := config.DefaultTunables()
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = def.TypingTTL
	}
	if opts.ConversationTTL <= 0 {
		opts.ConversationTTL = def.ConversationTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{deps: deps, opts: opts, log: logger.Named("chat"), locks: newKeyedMutex()}
}

func (e *Engine) tunables() config.Tunables {
	t := config.Tunables{
		TypingTTL:       e.opts.TypingTTL,
		ConversationTTL: e.opts.ConversationTTL,
		HistoryLimit:    e.opts.HistoryLimit,
	}
	if e.opts.Tunables != nil {
		live := e.opts.Tunables()
		if live.TypingTTL > 0 {
			t.TypingTTL = live.TypingTTL
		}
		if live.ConversationTTL > 0 {
			t.ConversationTTL = live.ConversationTTL
		}
		if live.HistoryLimit > 0 {
			t.HistoryLimit = live.HistoryLimit
		}
	}
	return t
}

func (e *Engine) policy() retry.Policy { return retry.DefaultPolicy() }

// Wait 等待异步送达推进结束（优雅退出、单测）
func (e *Engine) Wait() { e.async.Wait() }

func (e *Engine) publish(ctx context.Context, conversationID, name string, payload any) error {
	channel := pubsub.ConversationChannel(conversationID)
	ev, err := pubsub.NewEvent(name, channel, e.deps.Bus.Origin(), payload)
	if err != nil {
		return errs.WrapMsg(err, "encode event", "name", name)
	}
	return retry.Do(ctx, e.policy(), "chat.publish", func(ctx context.Context) error {
		return e.deps.Bus.Publish(ctx, channel, ev)
	})
}

// ===== 会话 =====

func (e *Engine) CreateConversation(ctx context.Context, kind model.Kind, participants []string) (*model.Conversation, error) {
	if _, err := model.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	members := model.UniqueParticipants(participants)
	now := e.opts.Clock()
	conv := &model.Conversation{
		Kind:           kind,
		ParticipantIDs: members,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch kind {
	case model.Direct:
		if len(members) != 2 {
			return nil, errs.ErrInvalidArgument.WrapMsg("direct conversation needs exactly two participants", "got", len(members))
		}
		conv.ID = model.DirectID(members[0], members[1])
	default:
		if len(members) == 0 {
			return nil, errs.ErrInvalidArgument.WrapMsg("conversation needs participants")
		}
		conv.ID = ids.GenerateString()
	}

	var out *model.Conversation
	err := retry.Do(ctx, e.policy(), "chat.createConversation", func(ctx context.Context) error {
		c, err := e.deps.Store.CreateConversation(ctx, conv)
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	e.cacheConversation(ctx, out)
	e.InvalidatePeers(ctx, out.ParticipantIDs...)
	return out, nil
}

// Conversation 先读缓存，缓存内容主要用于参与者判定和扇出
func (e *Engine) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty conversation id")
	}
	var conv model.Conversation
	if ok, _ := e.deps.Cache.Get(ctx, model.ConversationCacheKey(id), &conv); ok {
		return &conv, nil
	}
	return e.loadConversation(ctx, id)
}

func (e *Engine) loadConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out *model.Conversation
	err := retry.Do(ctx, e.policy(), "chat.getConversation", func(ctx context.Context) error {
		c, err := e.deps.Store.GetConversation(ctx, id)
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	e.cacheConversation(ctx, out)
	return out, nil
}

func (e *Engine) cacheConversation(ctx context.Context, c *model.Conversation) {
	if err := e.deps.Cache.Set(ctx, model.ConversationCacheKey(c.ID), c, e.tunables().ConversationTTL); err != nil {
		e.log.Debug("cache conversation failed", zap.String("conv", c.ID), zap.Error(err))
	}
}

// Invalidate 成员变化后丢弃缓存（本实例和其他实例收到 conversation:joined 时调用）
func (e *Engine) Invalidate(ctx context.Context, conversationID string) {
	if err := e.deps.Cache.Delete(ctx, model.ConversationCacheKey(conversationID)); err != nil {
		e.log.Debug("invalidate conversation failed", zap.String("conv", conversationID), zap.Error(err))
	}
}

// InvalidatePeers 成员变化时丢弃相关用户的 peers 缓存
func (e *Engine) InvalidatePeers(ctx context.Context, userIDs ...string) {
	for _, uid := range userIDs {
		if err := e.deps.Cache.Delete(ctx, model.PeersCacheKey(uid)); err != nil {
			e.log.Debug("invalidate peers failed", zap.String("user", uid), zap.Error(err))
		}
	}
}

const maxPeerConversations = 500

// Peers 与 userID 至少共享一个会话的其他用户，presence 扇出用
func (e *Engine) Peers(ctx context.Context, userID string) ([]string, error) {
	var peers []string
	if ok, _ := e.deps.Cache.Get(ctx, model.PeersCacheKey(userID), &peers); ok {
		return peers, nil
	}
	var convs []*model.Conversation
	err := retry.Do(ctx, e.policy(), "chat.conversationsOf", func(ctx context.Context) error {
		var err error
		convs, err = e.deps.Store.ConversationsOf(ctx, userID, maxPeerConversations)
		return err
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{userID: {}}
	peers = []string{}
	for _, c := range convs {
		for _, p := range c.ParticipantIDs {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	sort.Strings(peers)
	if err := e.deps.Cache.Set(ctx, model.PeersCacheKey(userID), peers, e.tunables().ConversationTTL); err != nil {
		e.log.Debug("cache peers failed", zap.String("user", userID), zap.Error(err))
	}
	return peers, nil
}

func (e *Engine) participantConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := e.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}
	// 缓存可能早于一次 join，回源确认
	conv, err = e.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.ErrNotParticipant.WrapMsg("not a participant", "conv", conversationID, "user", userID)
	}
	return conv, nil
}

// JoinConversation 只对 group/channel 生效；单聊成员不可变
func (e *Engine) JoinConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty user id")
	}
	conv, err := e.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind == model.Direct {
		return nil, errs.ErrImmutableParticipants.WrapMsg("cannot join a direct conversation", "conv", conversationID)
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}

	var out *model.Conversation
	err = retry.Do(ctx, e.policy(), "chat.join", func(ctx context.Context) error {
		c, err := e.deps.Store.AddParticipant(ctx, conversationID, userID)
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Invalidate(ctx, conversationID)
	e.InvalidatePeers(ctx, out.ParticipantIDs...)

	if err := e.publish(ctx, conversationID, model.EventConvJoined, model.Joined{
		ConversationID: conversationID,
		UserID:         userID,
		ParticipantIDs: out.ParticipantIDs,
	}); err != nil {
		e.log.Warn("publish join failed", zap.String("conv", conversationID), zap.Error(err))
	}
	return out, nil
}

// ===== 消息 =====

// SendMessage 校验 -> 发号落库 -> 推进会话 -> 广播 message:created，整段持有会话锁，
// 保证本实例上同一会话的广播顺序与 seq 一致。送达推进异步进行
func (e *Engine) SendMessage(ctx context.Context, conversationID, senderID string, in SendInput) (*model.Message, error) {
	if senderID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty sender")
	}
	if err := in.Content.Validate(in.Type); err != nil {
		return nil, err
	}

	conv, err := e.resolveConversation(ctx, conversationID, senderID, in.To)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(conv.ID)
	msg, err := e.commit(ctx, conv, senderID, in)
	unlock()
	if err != nil {
		return nil, err
	}

	participants := append([]string(nil), conv.ParticipantIDs...)
	snapshot := msg.Clone()
	e.async.Add(1)
	safe.Go("chat:advance-delivery", func() {
		defer e.async.Done()
		e.advanceDelivery(snapshot, participants)
	})
	return msg, nil
}

// resolveConversation 无会话ID但带 To 时按单聊创建
func (e *Engine) resolveConversation(ctx context.Context, conversationID, senderID, to string) (*model.Conversation, error) {
	if conversationID == "" {
		if to == "" || to == senderID {
			return nil, errs.ErrInvalidArgument.WrapMsg("conversationId or recipient required")
		}
		return e.CreateConversation(ctx, model.Direct, []string{senderID, to})
	}
	conv, err := e.participantConversation(ctx, conversationID, senderID)
	if errs.ErrNotFound.Is(err) && to != "" && model.DirectID(senderID, to) == conversationID {
		return e.CreateConversation(ctx, model.Direct, []string{senderID, to})
	}
	return conv, err
}

func (e *Engine) commit(ctx context.Context, conv *model.Conversation, senderID string, in SendInput) (*model.Message, error) {
	var seq int64
	err := retry.Do(ctx, e.policy(), "chat.nextSeq", func(ctx context.Context) error {
		s, err := e.deps.Store.NextSeq(ctx, conv.ID)
		seq = s
		return err
	})
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Seq:            seq,
		Type:           in.Type,
		Content:        in.Content,
		Timestamp:      e.opts.Clock(),
		DeliveredTo:    []string{},
		ReadBy:         []string{},
		ReplyTo:        in.ReplyTo,
	}
	err = retry.Do(ctx, e.policy(), "chat.insertMessage", func(ctx context.Context) error {
		return e.deps.Store.InsertMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	// 消息已提交；后续失败只降级不回滚
	if err := retry.Do(ctx, e.policy(), "chat.touchConversation", func(ctx context.Context) error {
		return e.deps.Store.TouchConversation(ctx, conv.ID, msg.ID, msg.Seq, msg.Timestamp)
	}); err != nil {
		e.log.Warn("touch conversation failed", zap.String("conv", conv.ID), zap.Error(err))
	} else if msg.Seq > conv.LastMessageSeq {
		conv.LastMessageID, conv.LastMessageSeq, conv.UpdatedAt = msg.ID, msg.Seq, msg.Timestamp
		e.cacheConversation(ctx, conv)
	}

	if err := e.publish(ctx, conv.ID, model.EventMessageCreated, msg); err != nil {
		e.log.Warn("publish message:created failed", zap.String("conv", conv.ID), zap.String("msg", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// advanceDelivery 在线参与者立即标记送达，离线的进通知队列
func (e *Engine) advanceDelivery(msg *model.Message, participants []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, uid := range participants {
		if uid == msg.SenderID {
			continue
		}
		online, err := e.deps.Presence.IsOnline(ctx, uid)
		if err != nil {
			e.log.Warn("presence lookup failed", zap.String("user", uid), zap.Error(err))
		}
		if online {
			if _, err := e.markDelivered(ctx, msg, uid); err != nil {
				e.log.Warn("auto mark delivered failed", zap.String("msg", msg.ID), zap.String("user", uid), zap.Error(err))
			}
			continue
		}
		if e.deps.Notifier == nil {
			continue
		}
		title := "New message"
		body := msg.Content.Preview(msg.Type)
		if err := e.deps.Notifier.Notify(ctx, uid, msg.ID, title, body); err != nil {
			e.log.Warn("enqueue notification failed", zap.String("msg", msg.ID), zap.String("user", uid), zap.Error(err))
		}
	}
}

// MarkDelivered 集合并入；发送者视为已送达，直接忽略
func (e *Engine) MarkDelivered(ctx context.Context, messageID, userID string) (bool, error) {
	if messageID == "" || userID == "" {
		return false, errs.ErrInvalidArgument.WrapMsg("messageId and userId required")
	}
	var msg *model.Message
	err := retry.Do(ctx, e.policy(), "chat.getMessage", func(ctx context.Context) error {
		m, err := e.deps.Store.GetMessage(ctx, messageID)
		msg = m
		return err
	})
	if err != nil {
		return false, err
	}
	if msg.SenderID == userID {
		return false, nil
	}
	if _, err := e.participantConversation(ctx, msg.ConversationID, userID); err != nil {
		return false, err
	}
	return e.markDelivered(ctx, msg, userID)
}

func (e *Engine) markDelivered(ctx context.Context, msg *model.Message, userID string) (bool, error) {
	if msg.SenderID == userID {
		return false, nil
	}
	var changed bool
	err := retry.Do(ctx, e.policy(), "chat.addDelivered", func(ctx context.Context) error {
		c, err := e.deps.Store.AddDelivered(ctx, msg.ID, userID)
		changed = c
		return err
	})
	if err != nil || !changed {
		return false, err
	}
	if err := e.publish(ctx, msg.ConversationID, model.EventMessageDelivered, model.Delivered{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		DeliveredAt:    e.opts.Clock(),
	}); err != nil {
		e.log.Warn("publish message:delivered failed", zap.String("msg", msg.ID), zap.Error(err))
	}
	return true, nil
}

// MarkRead 每条消息并入 readBy（连带 deliveredTo），只为真正变化的消息发一个合并回执。
// 不属于该会话的消息和自己发的消息被跳过
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string, userID, chatID, deviceID string) (*model.ReadReceipt, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty user id")
	}
	wanted := model.UniqueParticipants(messageIDs)
	if len(wanted) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("messageIds required")
	}
	if _, err := e.participantConversation(ctx, chatID, userID); err != nil {
		return nil, err
	}

	var msgs []*model.Message
	err := retry.Do(ctx, e.policy(), "chat.getMessages", func(ctx context.Context) error {
		m, err := e.deps.Store.GetMessages(ctx, wanted)
		msgs = m
		return err
	})
	if err != nil {
		return nil, err
	}

	receipt := &model.ReadReceipt{
		ConversationID: chatID,
		UserID:         userID,
		MessageIDs:     []string{},
		ReadAt:         e.opts.Clock(),
		DeviceID:       deviceID,
	}
	for _, m := range msgs {
		if m.ConversationID != chatID || m.SenderID == userID {
			continue
		}
		var changed bool
		err := retry.Do(ctx, e.policy(), "chat.addRead", func(ctx context.Context) error {
			c, err := e.deps.Store.AddRead(ctx, m.ID, userID)
			changed = c
			return err
		})
		if err != nil {
			// 已提交的部分不回滚，把已变化的回执先发出去
			e.flushReceipt(ctx, receipt)
			return nil, err
		}
		if changed {
			receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		}
	}
	e.flushReceipt(ctx, receipt)
	return receipt, nil
}

func (e *Engine) flushReceipt(ctx context.Context, r *model.ReadReceipt) {
	if len(r.MessageIDs) == 0 {
		return
	}
	if err := e.publish(ctx, r.ConversationID, model.EventMessageRead, r); err != nil {
		e.log.Warn("publish message:read failed", zap.String("conv", r.ConversationID), zap.Error(err))
	}
}

// History 以存储为准的补偿读取；总线丢的消息从这里补
func (e *Engine) History(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	if _, err := e.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.tunables().HistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var out []*model.Message
	err := retry.Do(ctx, e.policy(), "chat.history", func(ctx context.Context) error {
		m, err := e.deps.Store.History(ctx, conversationID, beforeSeq, limit)
		out = m
		return err
	})
	return out, err
}

// ===== 输入中 =====

// SetTyping 只写缓存（带 TTL），客户端崩溃不发 false 也会自动过期
func (e *Engine) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) (*model.Typing, error) {
	if _, err := e.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	key := model.TypingCacheKey(conversationID, userID)
	ev := &model.Typing{ConversationID: conversationID, UserID: userID, IsTyping: isTyping}
	if isTyping {
		ttl := e.tunables().TypingTTL
		ev.ExpiresAt = e.opts.Clock().Add(ttl)
		if err := e.deps.Cache.Set(ctx, key, ev, ttl); err != nil {
			return nil, err
		}
	} else if err := e.deps.Cache.Delete(ctx, key); err != nil {
		return nil, err
	}
	if err := e.publish(ctx, conversationID, model.EventTypingUpdated, ev); err != nil {
		e.log.Debug("publish typing failed", zap.String("conv", conversationID), zap.Error(err))
	}
	return ev, nil
}

func (e *Engine) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	return e.deps.Cache.Has(ctx, model.TypingCacheKey(conversationID, userID))
}

// Range 读 [from, to] 区间的消息，不做参与者校验；扇出补洞用
func (e *Engine) Range(ctx context.Context, conversationID string, from, to int64) ([]*model.Message, error) {
	if from <= 0 {
		from = 1
	}
	if to < from {
		return []*model.Message{}, nil
	}
	limit := int(to - from + 1)
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var page []*model.Message
	err := retry.Do(ctx, e.policy(), "chat.range", func(ctx context.Context) error {
		m, err := e.deps.Store.History(ctx, conversationID, to+1, limit)
		page = m
		return err
	})
	if err != nil {
		return nil, err
	}
	out := page[:0]
	for _, m := range page {
		if m.Seq >= from {
			out = append(out, m)
		}
	}
	return out, nil
}
