package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	TTL        time.Duration    // 心跳超时，过期由 sweeper 清理
	SweepEvery time.Duration    // 清理周期
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ===== 数据结构 =====

// ConnInfo 一条本地连接的快照
type ConnInfo struct {
	Identity      string    `json:"identity"`
	ConnID        string    `json:"connId"`
	DeviceID      string    `json:"deviceId"`
	InstanceID    string    `json:"instanceId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ExpireAt      time.Time `json:"expireAt"`
}

// Sink 连接的下行出口（ws 写协程的队列）
type Sink interface {
	// Send 非阻塞投递，连接已关闭或队列满返回 false
	Send(frame []byte) bool
	Close()
}

// Listener 在 identity 桶锁内同步回调，保证 presence 与注册表看到一致的连接集合
type Listener interface {
	OnConnect(ctx context.Context, c ConnInfo)
	OnDisconnect(ctx context.Context, c ConnInfo, reason string)
	OnHeartbeat(ctx context.Context, c ConnInfo)
}

type entry struct {
	info   ConnInfo
	sink   Sink
	closed atomic.Bool
}

// 每个 identity 一个桶，独立加锁
type bucket struct {
	mu    sync.Mutex
	conns map[string]*entry // connID -> entry
	dead  bool              // 已从 buckets 摘除
}

type Registry struct {
	instanceID string
	conf       Conf

	mu      sync.RWMutex
	buckets map[string]*bucket // identity -> bucket
	byConn  map[string]*entry  // connID -> entry

	listener atomic.Pointer[listenerBox]
	stopOnce sync.Once
	stopCh   chan struct{}
	log      *zap.Logger
}

type listenerBox struct{ l Listener }

func New(instanceID string, conf Conf) *Registry {
	conf.norm()
	r := &Registry{
		instanceID: instanceID,
		conf:       conf,
		buckets:    make(map[string]*bucket),
		byConn:     make(map[string]*entry),
		stopCh:     make(chan struct{}),
		log:        logger.Named("registry"),
	}
	safe.Go("registry:sweeper", r.sweeper)
	return r
}

func (r *Registry) InstanceID() string { return r.instanceID }

// SetListener 启动时注入 presence
func (r *Registry) SetListener(l Listener) {
	r.listener.Store(&listenerBox{l: l})
}

func (r *Registry) notify(fn func(Listener)) {
	if box := r.listener.Load(); box != nil && box.l != nil {
		fn(box.l)
	}
}

// lockBucket 取得 identity 的桶并加锁；桶被并发摘除时重试
func (r *Registry) lockBucket(identity string, create bool) *bucket {
	for {
		r.mu.RLock()
		b := r.buckets[identity]
		r.mu.RUnlock()
		if b == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			if b = r.buckets[identity]; b == nil {
				b = &bucket{conns: make(map[string]*entry)}
				r.buckets[identity] = b
			}
			r.mu.Unlock()
		}
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// 需持有 b.mu
func (r *Registry) dropBucketIfEmptyLocked(identity string, b *bucket) {
	if len(b.conns) > 0 {
		return
	}
	r.mu.Lock()
	if r.buckets[identity] == b {
		delete(r.buckets, identity)
	}
	r.mu.Unlock()
	b.dead = true
}

// Register 生成新的连接ID并登记，总是成功
func (r *Registry) Register(ctx context.Context, identity, deviceID string, sink Sink) (string, error) {
	connID := ids.GenerateString()
	return connID, r.RegisterWithID(ctx, identity, deviceID, connID, sink)
}

// RegisterWithID 使用调用方给定的连接ID；同一 (identity, deviceId, connectionId) 未移除前重复登记返回 DuplicateConnection
func (r *Registry) RegisterWithID(ctx context.Context, identity, deviceID, connID string, sink Sink) error {
	if identity == "" || connID == "" || sink == nil {
		return errs.ErrInvalidArgument.WrapMsg("register requires identity, connId and sink")
	}
	now := r.conf.Clock()
	b := r.lockBucket(identity, true)
	defer b.mu.Unlock()

	e := &entry{
		info: ConnInfo{
			Identity:      identity,
			ConnID:        connID,
			DeviceID:      deviceID,
			InstanceID:    r.instanceID,
			ConnectedAt:   now,
			LastHeartbeat: now,
			ExpireAt:      now.Add(r.conf.TTL),
		},
		sink: sink,
	}
	r.mu.Lock()
	if _, exists := r.byConn[connID]; exists {
		r.mu.Unlock()
		r.dropBucketIfEmptyLocked(identity, b)
		return errs.ErrDuplicateConnection.WrapMsg("connection already registered",
			"identity", identity, "device", deviceID, "conn", connID)
	}
	r.byConn[connID] = e
	r.mu.Unlock()
	b.conns[connID] = e

	info := e.info
	r.notify(func(l Listener) { l.OnConnect(ctx, info) })
	r.log.Debug("registered", zap.String("identity", identity), zap.String("conn", connID), zap.String("device", deviceID))
	return nil
}

// Unregister 幂等
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.unregister(ctx, connID, nil, "disconnect")
}

// Release 仅当 connID 仍绑定在 sink 上时注销；被同 ID 替换掉的旧连接退出时用
func (r *Registry) Release(ctx context.Context, connID string, sink Sink) {
	r.unregister(ctx, connID, sink, "disconnect")
}

func (r *Registry) unregister(ctx context.Context, connID string, owner Sink, reason string) {
	r.mu.RLock()
	e := r.byConn[connID]
	r.mu.RUnlock()
	if e == nil || (owner != nil && e.sink != owner) {
		return
	}
	identity := e.info.Identity
	b := r.lockBucket(identity, false)
	if b == nil {
		return
	}
	cur, ok := b.conns[connID]
	if !ok || cur != e {
		b.mu.Unlock()
		return
	}
	delete(b.conns, connID)
	r.mu.Lock()
	delete(r.byConn, connID)
	r.mu.Unlock()
	// 之后的 Deliver 对它都是 no-op
	e.closed.Store(true)
	info := e.info
	r.notify(func(l Listener) { l.OnDisconnect(ctx, info, reason) })
	r.dropBucketIfEmptyLocked(identity, b)
	b.mu.Unlock()

	e.sink.Close()
	r.log.Debug("unregistered", zap.String("identity", identity), zap.String("conn", connID), zap.String("reason", reason))
}

// Heartbeat 续期；未知连接返回 NotFound
func (r *Registry) Heartbeat(ctx context.Context, connID string) error {
	r.mu.RLock()
	e := r.byConn[connID]
	r.mu.RUnlock()
	if e == nil {
		return errs.ErrNotFound.WrapMsg("connection not found", "conn", connID)
	}
	b := r.lockBucket(e.info.Identity, false)
	if b == nil {
		return errs.ErrNotFound.WrapMsg("connection not found", "conn", connID)
	}
	defer b.mu.Unlock()
	if b.conns[connID] != e {
		return errs.ErrNotFound.WrapMsg("connection not found", "conn", connID)
	}
	now := r.conf.Clock()
	e.info.LastHeartbeat = now
	e.info.ExpireAt = now.Add(r.conf.TTL)
	info := e.info
	r.notify(func(l Listener) { l.OnHeartbeat(ctx, info) })
	return nil
}

// SessionsFor 本地连接ID（有序）
func (r *Registry) SessionsFor(identity string) []string {
	b := r.lockBucket(identity, false)
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

// Deliver 推送到 identity 的所有本地连接，返回送达数量；0 不是错误
func (r *Registry) Deliver(identity string, frame []byte) int {
	b := r.lockBucket(identity, false)
	if b == nil {
		return 0
	}
	targets := make([]*entry, 0, len(b.conns))
	for _, e := range b.conns {
		targets = append(targets, e)
	}
	b.mu.Unlock()

	n := 0
	for _, e := range targets {
		if e.closed.Load() {
			continue
		}
		if e.sink.Send(frame) {
			n++
		}
	}
	return n
}

// SendTo 按连接ID推送
func (r *Registry) SendTo(connID string, frame []byte) bool {
	r.mu.RLock()
	e := r.byConn[connID]
	r.mu.RUnlock()
	if e == nil || e.closed.Load() {
		return false
	}
	return e.sink.Send(frame)
}

// Lookup 连接信息
func (r *Registry) Lookup(connID string) (ConnInfo, bool) {
	r.mu.RLock()
	e := r.byConn[connID]
	r.mu.RUnlock()
	if e == nil {
		return ConnInfo{}, false
	}
	b := r.lockBucket(e.info.Identity, false)
	if b == nil {
		return ConnInfo{}, false
	}
	defer b.mu.Unlock()
	return e.info, true
}

// Snapshot 所有本地连接
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byConn))
	for _, e := range r.byConn {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]ConnInfo, 0, len(entries))
	for _, e := range entries {
		if info, ok := r.Lookup(e.info.ConnID); ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// ===== 清理协程 =====

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.SweepOnce(context.Background())
		}
	}
}

// SweepOnce 清理心跳超时的连接，返回数量
func (r *Registry) SweepOnce(ctx context.Context) int {
	now := r.conf.Clock()
	var expired []string
	for _, info := range r.Snapshot() {
		if now.After(info.ExpireAt) {
			expired = append(expired, info.ConnID)
		}
	}
	for _, id := range expired {
		r.unregister(ctx, id, nil, "timeout")
	}
	if len(expired) > 0 {
		r.log.Info("swept expired connections", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Close 停止清理并断开全部连接
func (r *Registry) Close(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	for _, info := range r.Snapshot() {
		r.unregister(ctx, info.ConnID, nil, "shutdown")
	}
}
