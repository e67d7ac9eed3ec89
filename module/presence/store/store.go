package store

import (
	"context"
	"sync"
	"time"

	"PPRealtime/module/presence/model"
	"PPRealtime/tools/errs"
)

// Store presence 持久化
type Store interface {
	// Get 不存在返回 ErrNotFound
	Get(ctx context.Context, userID string) (*model.Record, error)
	// Upsert lastSeen 只前进不后退
	Upsert(ctx context.Context, rec *model.Record) error
}

// Memory 测试 / 单机用
type Memory struct {
	mu   sync.Mutex
	m    map[string]model.Record
	fail error
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]model.Record)}
}

// SetFailure 注入故障
func (s *Memory) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Memory) Get(_ context.Context, userID string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("presence get", "err", s.fail.Error())
	}
	r, ok := s.m[userID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("presence not found", "user", userID)
	}
	return &r, nil
}

func (s *Memory) Upsert(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return errs.ErrStoreUnavailable.WrapMsg("presence upsert", "err", s.fail.Error())
	}
	next := *rec
	if old, ok := s.m[rec.UserID]; ok && old.LastSeen.After(next.LastSeen) {
		next.LastSeen = old.LastSeen
	}
	s.m[rec.UserID] = next
	return nil
}

var _ Store = (*Memory)(nil)

func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }
