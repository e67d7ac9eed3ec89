package service

import (
	"context"
	"sync"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/module/presence/model"
	"PPRealtime/module/presence/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/pubsub"
	"PPRealtime/service/registry"
	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/retry"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// ConnSource 本实例当前持有的连接（Registry 实现）
type ConnSource interface {
	Snapshot() []registry.ConnInfo
}

type Options struct {
	Grace    time.Duration // 最后一条连接断开后，等待多久才判定离线
	CacheTTL time.Duration
	ConnTTL  time.Duration // 存活索引成员过期时间，心跳续期
	// Tunables 非 nil 时每次取最新值（nacos 热更新）
	Tunables func() config.Tunables
	Clock    func() time.Time
}

type Deps struct {
	Store store.Store
	Cache *cache.Facade
	Bus   pubsub.Bus
	Live  storage.LivenessIndex
	Conns ConnSource
}

// 单个用户在本实例上的状态，mu 串行化该用户的所有转换
type userState struct {
	mu    sync.Mutex
	local int // 本实例上的连接数
	gen   uint64
	timer *time.Timer
	rec   *model.Record
	dead  bool
}

type Service struct {
	deps Deps
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	users map[string]*userState
}

var _ registry.Listener = (*Service)(nil)

func New(deps Deps, opts Options) *Service {
	safe.MustNotNil(deps.Store, "presence store")
	safe.MustNotNil(deps.Cache, "presence cache")
	safe.MustNotNil(deps.Bus, "presence bus")
	safe.MustNotNil(deps.Live, "presence liveness")
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	def := config.DefaultTunables()
	if opts.Grace <= 0 {
		opts.Grace = def.PresenceGrace
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.PresenceTTL
	}
	if opts.ConnTTL <= 0 {
		opts.ConnTTL = def.ConnTTL
	}
	s := &Service{
		deps:  deps,
		opts:  opts,
		log:   logger.Named("presence"),
		users: make(map[string]*userState),
	}
	deps.Bus.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n := s.Resync(ctx)
		s.log.Info("resync after bus reconnect", zap.Int("users", n))
	})
	return s
}

// SetConns Registry 与 presence 互相引用，启动时后注入
func (s *Service) SetConns(c ConnSource) { s.deps.Conns = c }

func (s *Service) grace() time.Duration {
	if s.opts.Tunables != nil {
		if g := s.opts.Tunables().PresenceGrace; g > 0 {
			return g
		}
	}
	return s.opts.Grace
}

func (s *Service) cacheTTL() time.Duration {
	if s.opts.Tunables != nil {
		if t := s.opts.Tunables().PresenceTTL; t > 0 {
			return t
		}
	}
	return s.opts.CacheTTL
}

func (s *Service) connTTL() time.Duration {
	if s.opts.Tunables != nil {
		if t := s.opts.Tunables().ConnTTL; t > 0 {
			return t
		}
	}
	return s.opts.ConnTTL
}

// ===== 用户状态 =====

// acquire 返回已加锁的 userState
func (s *Service) acquire(userID string) *userState {
	for {
		s.mu.Lock()
		st, ok := s.users[userID]
		if !ok {
			st = &userState{}
			s.users[userID] = st
		}
		s.mu.Unlock()

		st.mu.Lock()
		if !st.dead {
			return st
		}
		st.mu.Unlock()
	}
}

// releaseLocked 无本地连接、无计时器时回收
func (s *Service) releaseLocked(userID string, st *userState) {
	if st.local > 0 || st.timer != nil {
		return
	}
	st.dead = true
	s.mu.Lock()
	if s.users[userID] == st {
		delete(s.users, userID)
	}
	s.mu.Unlock()
}

func (s *Service) lookup(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

// loadLocked 本地 -> 缓存 -> 存储；都拿不到时给默认记录
func (s *Service) loadLocked(ctx context.Context, userID string, st *userState) *model.Record {
	if st.rec != nil {
		return st.rec.Clone()
	}
	var rec model.Record
	if ok, _ := s.deps.Cache.Get(ctx, model.CacheKey(userID), &rec); ok {
		return &rec
	}
	got, err := s.deps.Store.Get(ctx, userID)
	switch {
	case err == nil:
		return got
	case errs.ErrNotFound.Is(err):
	default:
		s.log.Warn("load presence failed, using defaults", zap.String("user", userID), zap.Error(err))
	}
	return model.NewRecord(userID)
}

// commitLocked 落库 + 刷缓存 + 可选广播。落库失败只记日志，presence 是软状态
func (s *Service) commitLocked(ctx context.Context, st *userState, rec *model.Record, publish bool) error {
	rec.UpdatedAt = s.opts.Clock()
	st.rec = rec.Clone()

	err := retry.Do(ctx, retry.DefaultPolicy(), "presence.upsert", func(ctx context.Context) error {
		return s.deps.Store.Upsert(ctx, rec)
	})
	if err != nil {
		s.log.Warn("persist presence failed", zap.String("user", rec.UserID), zap.Error(err))
	}
	if cerr := s.deps.Cache.Set(ctx, model.CacheKey(rec.UserID), rec, s.cacheTTL()); cerr != nil {
		s.log.Warn("cache presence failed", zap.String("user", rec.UserID), zap.Error(cerr))
	}
	if publish {
		s.publish(ctx, rec)
	}
	return err
}

// publish 失败不重试：总线恢复后 Resync 会重新宣告
func (s *Service) publish(ctx context.Context, rec *model.Record) {
	ev, err := pubsub.NewEvent(model.EventUpdated, pubsub.PresenceChannel, s.deps.Bus.Origin(), rec)
	if err != nil {
		s.log.Error("encode presence event", zap.Error(err))
		return
	}
	if err := s.deps.Bus.Publish(ctx, pubsub.PresenceChannel, ev); err != nil {
		s.log.Warn("publish presence failed", zap.String("user", rec.UserID), zap.Error(err))
	}
}

func (s *Service) touch(ctx context.Context, c registry.ConnInfo) {
	if err := s.deps.Live.Touch(ctx, c.Identity, c.ConnID, s.connTTL()); err != nil {
		s.log.Warn("liveness touch failed", zap.String("user", c.Identity), zap.String("conn", c.ConnID), zap.Error(err))
	}
}

// ===== registry.Listener =====

func (s *Service) OnConnect(ctx context.Context, c registry.ConnInfo) {
	st := s.acquire(c.Identity)
	defer st.mu.Unlock()

	st.local++
	s.cancelGraceLocked(st)
	s.touch(ctx, c)

	rec := s.loadLocked(ctx, c.Identity, st)
	rec.LastSeen = s.opts.Clock()
	if c.DeviceID != "" {
		rec.DeviceID = c.DeviceID
	}
	transition := !rec.IsOnline
	rec.IsOnline = true
	_ = s.commitLocked(ctx, st, rec, transition)
	if transition {
		s.log.Debug("online", zap.String("user", c.Identity), zap.String("conn", c.ConnID))
	}
}

func (s *Service) OnDisconnect(ctx context.Context, c registry.ConnInfo, reason string) {
	st := s.acquire(c.Identity)
	defer st.mu.Unlock()

	if st.local > 0 {
		st.local--
	}
	if _, err := s.deps.Live.Remove(ctx, c.Identity, c.ConnID); err != nil {
		s.log.Warn("liveness remove failed", zap.String("user", c.Identity), zap.Error(err))
	}
	if st.rec != nil {
		rec := st.rec.Clone()
		rec.LastSeen = s.opts.Clock()
		_ = s.commitLocked(ctx, st, rec, false)
	}
	if st.local == 0 {
		s.armGraceLocked(c.Identity, st)
	}
	s.log.Debug("disconnect", zap.String("user", c.Identity), zap.String("conn", c.ConnID),
		zap.String("reason", reason), zap.Int("local", st.local))
}

// OnHeartbeat 只刷新 lastSeen，不广播；若本地有连接却被远端判成离线，顺手纠正
func (s *Service) OnHeartbeat(ctx context.Context, c registry.ConnInfo) {
	st := s.acquire(c.Identity)
	defer st.mu.Unlock()

	s.touch(ctx, c)
	rec := s.loadLocked(ctx, c.Identity, st)
	rec.LastSeen = s.opts.Clock()
	heal := !rec.IsOnline && st.local > 0
	if heal {
		rec.IsOnline = true
	}
	_ = s.commitLocked(ctx, st, rec, heal)
}

// ===== 离线防抖 =====

func (s *Service) cancelGraceLocked(st *userState) {
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (s *Service) armGraceLocked(userID string, st *userState) {
	s.cancelGraceLocked(st)
	gen := st.gen
	st.timer = time.AfterFunc(s.grace(), func() { s.expire(userID, gen, 0) })
}

const maxExpireAttempts = 3

func (s *Service) expire(userID string, gen uint64, attempt int) {
	defer safe.Recover("presence:grace")

	st := s.acquire(userID)
	defer st.mu.Unlock()
	if st.gen != gen || st.local > 0 {
		return
	}
	st.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	online, _, err := s.deps.Live.IsOnline(ctx, userID)
	if err != nil && attempt < maxExpireAttempts {
		s.log.Warn("liveness check failed, retry later", zap.String("user", userID), zap.Int("attempt", attempt), zap.Error(err))
		st.timer = time.AfterFunc(s.grace(), func() { s.expire(userID, gen, attempt+1) })
		return
	}
	if err == nil && online {
		// 其他实例还持有连接
		s.releaseLocked(userID, st)
		return
	}
	won, err := s.deps.Live.ClaimOffline(ctx, userID)
	if err != nil {
		// 索引不可用时宁可重复宣告
		s.log.Warn("claim offline failed", zap.String("user", userID), zap.Error(err))
		won = true
	}
	if !won {
		// 另一个实例的宽限期同时到期，离线由它宣告
		s.releaseLocked(userID, st)
		return
	}

	rec := s.loadLocked(ctx, userID, st)
	if rec.IsOnline {
		rec.IsOnline = false
		rec.LastSeen = s.opts.Clock()
		_ = s.commitLocked(ctx, st, rec, true)
		s.log.Debug("offline", zap.String("user", userID))
	}
	s.releaseLocked(userID, st)
}

// ===== 查询 / 显式设置 =====

// Get 缓存 -> 存储 -> 回填缓存。存储不可用时退回本地已知记录
func (s *Service) Get(ctx context.Context, userID string) (*model.Record, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty user id")
	}
	var rec model.Record
	if ok, _ := s.deps.Cache.Get(ctx, model.CacheKey(userID), &rec); ok {
		return &rec, nil
	}

	var got *model.Record
	err := retry.Do(ctx, retry.DefaultPolicy(), "presence.get", func(ctx context.Context) error {
		r, err := s.deps.Store.Get(ctx, userID)
		if err != nil {
			return err
		}
		got = r
		return nil
	})
	switch {
	case err == nil:
	case errs.ErrNotFound.Is(err):
		got = model.NewRecord(userID)
	default:
		if known := s.known(userID); known != nil {
			return known, nil
		}
		return nil, err
	}
	if cerr := s.deps.Cache.Set(ctx, model.CacheKey(userID), got, s.cacheTTL()); cerr != nil {
		s.log.Debug("cache presence failed", zap.String("user", userID), zap.Error(cerr))
	}
	return got, nil
}

func (s *Service) known(userID string) *model.Record {
	st := s.lookup(userID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Clone()
}

// IsOnline 以集群存活索引为准，索引不可用时退回 Get
func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, _, err := s.deps.Live.IsOnline(ctx, userID)
	if err == nil {
		return online, nil
	}
	rec, gerr := s.Get(ctx, userID)
	if gerr != nil {
		return false, gerr
	}
	return rec.IsOnline, nil
}

// SetAvailability 与在线状态相互独立，上下线不会重置
func (s *Service) SetAvailability(ctx context.Context, userID string, a model.Availability) (*model.Record, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty user id")
	}
	if !a.Valid() {
		return nil, errs.ErrInvalidArgument.WrapMsg("unknown availability", "value", string(a))
	}
	st := s.acquire(userID)
	defer st.mu.Unlock()
	defer s.releaseLocked(userID, st)

	rec := s.loadLocked(ctx, userID, st)
	if rec.Availability == a {
		return rec, nil
	}
	rec.Availability = a
	if err := s.commitLocked(ctx, st, rec, true); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// ===== 跨实例 =====

// ApplyRemote 处理 chat.presence 上的广播。返回 fresh=false 表示比本地旧，已忽略。
// 自己发出的事件本地已生效，直接透传给调用方做下发
func (s *Service) ApplyRemote(ctx context.Context, ev pubsub.Event) (*model.Record, bool, error) {
	var rec model.Record
	if err := ev.Decode(&rec); err != nil || rec.UserID == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("bad presence payload", "event", ev.ID)
	}
	if ev.Origin == s.deps.Bus.Origin() {
		return &rec, true, nil
	}

	var cur model.Record
	cached, _ := s.deps.Cache.Get(ctx, model.CacheKey(rec.UserID), &cur)
	switch {
	case !cached || rec.NewerThan(&cur):
		if err := s.deps.Cache.Set(ctx, model.CacheKey(rec.UserID), &rec, s.cacheTTL()); err != nil {
			s.log.Debug("cache remote presence failed", zap.String("user", rec.UserID), zap.Error(err))
		}
	case !rec.Same(&cur):
		// 同一时刻或更旧的另一份记录：保留已有的
		return &cur, false, nil
	}
	// 与缓存一致：来源实例已写过共享缓存，照常下发

	heal := false
	if st := s.lookup(rec.UserID); st != nil {
		st.mu.Lock()
		if !st.dead {
			if rec.NewerThan(st.rec) {
				st.rec = rec.Clone()
			}
			heal = !rec.IsOnline && st.local > 0
		}
		st.mu.Unlock()
	}
	if heal {
		// 远端在我们仍持有连接时判了离线（通常是存活索引丢了我们的成员），重新宣告
		uid := rec.UserID
		safe.Go("presence:heal", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.resyncUser(ctx, uid, s.localConns(uid))
		})
	}
	return &rec, true, nil
}

func (s *Service) localConns(userID string) []registry.ConnInfo {
	if s.deps.Conns == nil {
		return nil
	}
	var out []registry.ConnInfo
	for _, c := range s.deps.Conns.Snapshot() {
		if c.Identity == userID {
			out = append(out, c)
		}
	}
	return out
}

// Resync 把本实例全部连接重新写入存活索引并重新广播在线，返回涉及的用户数
func (s *Service) Resync(ctx context.Context) int {
	if s.deps.Conns == nil {
		return 0
	}
	byUser := make(map[string][]registry.ConnInfo)
	for _, c := range s.deps.Conns.Snapshot() {
		byUser[c.Identity] = append(byUser[c.Identity], c)
	}
	for uid, conns := range byUser {
		if ctx.Err() != nil {
			break
		}
		s.resyncUser(ctx, uid, conns)
	}
	return len(byUser)
}

func (s *Service) resyncUser(ctx context.Context, userID string, conns []registry.ConnInfo) {
	if len(conns) == 0 {
		return
	}
	st := s.acquire(userID)
	defer st.mu.Unlock()
	for _, c := range conns {
		s.touch(ctx, c)
	}
	rec := s.loadLocked(ctx, userID, st)
	rec.IsOnline = true
	rec.LastSeen = s.opts.Clock()
	if d := conns[len(conns)-1].DeviceID; d != "" {
		rec.DeviceID = d
	}
	_ = s.commitLocked(ctx, st, rec, true)
}

// Close 进程退出前把仍在防抖中的用户立即结算，避免记录停留在在线
func (s *Service) Close() {
	s.mu.Lock()
	pending := make(map[string]*userState, len(s.users))
	for uid, st := range s.users {
		pending[uid] = st
	}
	s.mu.Unlock()
	for uid, st := range pending {
		st.mu.Lock()
		if st.timer == nil || st.dead {
			st.mu.Unlock()
			continue
		}
		st.timer.Stop()
		gen := st.gen
		st.mu.Unlock()
		s.expire(uid, gen, maxExpireAttempts)
	}
}
