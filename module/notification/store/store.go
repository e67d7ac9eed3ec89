package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"PPRealtime/module/notification/model"
	"PPRealtime/tools/errs"
)

type Store interface {
	// Insert 同一 (userId, messageId) 只落一份，重复入队返回已有记录
	Insert(ctx context.Context, n *model.Notification) (*model.Notification, error)
	MarkSent(ctx context.Context, id string) error
	// MarkRead 返回本次真正从未读变为已读的 id
	MarkRead(ctx context.Context, userID string, ids []string, at time.Time) ([]string, error)
	// Unread 最新的在前
	Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
}

type Memory struct {
	mu   sync.Mutex
	seq  int64
	byID map[string]*model.Notification
	fail error
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*model.Notification)}
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

func (s *Memory) Insert(_ context.Context, n *model.Notification) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert notification"); err != nil {
		return nil, err
	}
	for _, cur := range s.byID {
		if cur.UserID == n.UserID && cur.MessageID == n.MessageID {
			return cur.Clone(), nil
		}
	}
	s.seq++
	rec := n.Clone()
	rec.ID = strconv.FormatInt(s.seq, 10)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.byID[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *Memory) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark sent"); err != nil {
		return err
	}
	n, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound.WrapMsg("notification not found", "id", id)
	}
	n.Sent = true
	return nil
}

func (s *Memory) MarkRead(_ context.Context, userID string, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark read"); err != nil {
		return nil, err
	}
	changed := []string{}
	for _, id := range ids {
		n, ok := s.byID[id]
		if !ok || n.UserID != userID || n.ReadAt != nil {
			continue
		}
		t := at
		n.ReadAt = &t
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Memory) Unread(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("unread"); err != nil {
		return nil, err
	}
	var out []*model.Notification
	for _, n := range s.byID {
		if n.UserID == userID && n.ReadAt == nil {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a > b
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
