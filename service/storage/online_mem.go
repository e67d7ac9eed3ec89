package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemLiveness 进程内实现，多个 ForNode 视图共享同一份数据，用于模拟多实例
type MemLiveness struct {
	mu    sync.Mutex
	users map[string]map[string]time.Time // user -> member -> expireAt
	now   func() time.Time

	// claims 本轮已宣告离线的节点
	claims map[string]string
}

func NewMemLiveness() *MemLiveness {
	return &MemLiveness{
		users:  make(map[string]map[string]time.Time),
		claims: make(map[string]string),
		now:    time.Now,
	}
}

// ForNode 返回某节点视角的索引
func (s *MemLiveness) ForNode(nodeID string) LivenessIndex {
	return &memNodeView{s: s, node: nodeID}
}

func (s *MemLiveness) sweepLocked(userID string, now time.Time) map[string]time.Time {
	set := s.users[userID]
	for k, exp := range set {
		if !exp.After(now) {
			delete(set, k)
		}
	}
	if len(set) == 0 {
		delete(s.users, userID)
		return nil
	}
	return set
}

type memNodeView struct {
	s    *MemLiveness
	node string
}

func (v *memNodeView) Touch(_ context.Context, userID, connID string, ttl time.Duration) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	now := v.s.now()
	set := v.s.sweepLocked(userID, now)
	if set == nil {
		set = make(map[string]time.Time)
		v.s.users[userID] = set
	}
	set[v.node+":"+connID] = now.Add(ttl)
	delete(v.s.claims, userID)
	return nil
}

func (v *memNodeView) Remove(_ context.Context, userID, connID string) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if set := v.s.users[userID]; set != nil {
		delete(set, v.node+":"+connID)
	}
	return int64(len(v.s.sweepLocked(userID, v.s.now()))), nil
}

func (v *memNodeView) IsOnline(_ context.Context, userID string) (bool, int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	n := int64(len(v.s.sweepLocked(userID, v.s.now())))
	return n > 0, n, nil
}

func (v *memNodeView) Active(_ context.Context, userID string) ([]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	set := v.s.sweepLocked(userID, v.s.now())
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (v *memNodeView) ClaimOffline(_ context.Context, userID string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if len(v.s.sweepLocked(userID, v.s.now())) > 0 {
		return false, nil
	}
	if _, taken := v.s.claims[userID]; taken {
		return false, nil
	}
	v.s.claims[userID] = v.node
	return true, nil
}
