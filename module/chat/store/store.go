package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
)

// Store 会话与消息的持久化。参与者、送达、已读都是集合并入，多实例并发写可收敛
type Store interface {
	// CreateConversation 不存在才插入，返回库里的那份
	CreateConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	AddParticipant(ctx context.Context, id, userID string) (*model.Conversation, error)
	// ConversationsOf 用户参与的会话，最近活跃的在前
	ConversationsOf(ctx context.Context, userID string, limit int) ([]*model.Conversation, error)
	// NextSeq 会话内原子发号
	NextSeq(ctx context.Context, conversationID string) (int64, error)
	// TouchConversation 只在 seq 更大时推进 lastMessageId / updatedAt
	TouchConversation(ctx context.Context, conversationID, messageID string, seq int64, at time.Time) error

	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]*model.Message, error)
	// AddDelivered / AddRead 返回本次是否真正改变
	AddDelivered(ctx context.Context, messageID, userID string) (bool, error)
	AddRead(ctx context.Context, messageID, userID string) (bool, error)
	// History 按 seq 升序返回 beforeSeq 之前的最多 limit 条；beforeSeq<=0 表示最新
	History(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*model.Message, error)
}

type Memory struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	msgs  map[string]*model.Message
	fail  error
}

func NewMemory() *Memory {
	return &Memory{
		convs: make(map[string]*model.Conversation),
		msgs:  make(map[string]*model.Message),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Memory) check(op string) error {
	if s.fail != nil {
		return errs.ErrStoreUnavailable.WrapMsg(op, "err", s.fail.Error())
	}
	return nil
}

func (s *Memory) CreateConversation(_ context.Context, c *model.Conversation) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create conversation"); err != nil {
		return nil, err
	}
	if cur, ok := s.convs[c.ID]; ok {
		return cur.Clone(), nil
	}
	s.convs[c.ID] = c.Clone()
	return c.Clone(), nil
}

func (s *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get conversation"); err != nil {
		return nil, err
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	return c.Clone(), nil
}

func (s *Memory) AddParticipant(_ context.Context, id, userID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("add participant"); err != nil {
		return nil, err
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	if !c.HasParticipant(userID) {
		c.ParticipantIDs = append(c.ParticipantIDs, userID)
		c.UpdatedAt = time.Now()
	}
	return c.Clone(), nil
}

func (s *Memory) NextSeq(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("next seq"); err != nil {
		return 0, err
	}
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	c.MaxSeq++
	return c.MaxSeq, nil
}

func (s *Memory) TouchConversation(_ context.Context, conversationID, messageID string, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("touch conversation"); err != nil {
		return err
	}
	c, ok := s.convs[conversationID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	if seq > c.LastMessageSeq {
		c.LastMessageSeq = seq
		c.LastMessageID = messageID
		c.UpdatedAt = at
	}
	return nil
}

func (s *Memory) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert message"); err != nil {
		return err
	}
	if _, ok := s.msgs[m.ID]; ok {
		return errs.ErrInvalidArgument.WrapMsg("duplicate message id", "id", m.ID)
	}
	s.msgs[m.ID] = m.Clone()
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get message"); err != nil {
		return nil, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	return m.Clone(), nil
}

func (s *Memory) GetMessages(_ context.Context, ids []string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get messages"); err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Memory) AddDelivered(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("add delivered"); err != nil {
		return false, err
	}
	m, ok := s.msgs[messageID]
	if !ok {
		return false, errs.ErrNotFound.WrapMsg("message not found", "id", messageID)
	}
	return m.AddDelivered(userID), nil
}

func (s *Memory) AddRead(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("add read"); err != nil {
		return false, err
	}
	m, ok := s.msgs[messageID]
	if !ok {
		return false, errs.ErrNotFound.WrapMsg("message not found", "id", messageID)
	}
	return m.AddRead(userID), nil
}

func (s *Memory) History(_ context.Context, conversationID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("history"); err != nil {
		return nil, err
	}
	var all []*model.Message
	for _, m := range s.msgs {
		if m.ConversationID != conversationID {
			continue
		}
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*model.Message, len(all))
	for i, m := range all {
		out[len(all)-1-i] = m.Clone()
	}
	return out, nil
}

func (s *Memory) ConversationsOf(_ context.Context, userID string, limit int) ([]*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("conversations of"); err != nil {
		return nil, err
	}
	var out []*model.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
