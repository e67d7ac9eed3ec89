package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PPRealtime/tools/errs"

	"github.com/redis/go-redis/v9"
)

// LivenessIndex 集群范围的连接存活索引：每个用户一个 ZSET，
// member = <node>:<connId>，score = 到期时间(unix 秒)
type LivenessIndex interface {
	// Touch 登记或续期一个连接
	Touch(ctx context.Context, userID, connID string, ttl time.Duration) error
	// Remove 删除一个连接，返回删除后该用户剩余的有效连接数
	Remove(ctx context.Context, userID, connID string) (int64, error)
	// IsOnline 清理过期成员后判断是否还有有效连接
	IsOnline(ctx context.Context, userID string) (bool, int64, error)
	// Active 返回有效成员（node:connId）
	Active(ctx context.Context, userID string) ([]string, error)
	// ClaimOffline 没有有效连接且本轮离线还没人宣告时返回 true；下一次 Touch 清掉宣告
	ClaimOffline(ctx context.Context, userID string) (bool, error)
}

type OnlineConfig struct {
	NodeID        string // 节点ID（参与 member 命名）
	UseClusterTag bool   // 是否使用 Redis Cluster hash-tag 对齐
	IndexTTL      time.Duration
}

// ===== Lua 脚本 =====

// 续期/登记连接，同时作废上一轮的离线宣告
// KEYS[1] = user index key
// KEYS[2] = offline claim key
// ARGV[1] = member
// ARGV[2] = nowUnix
// ARGV[3] = expAt
// ARGV[4] = index ttl 秒
const luaTouch = `
local userZ  = KEYS[1]
local member = ARGV[1]
local now    = tonumber(ARGV[2])
local expAt  = tonumber(ARGV[3])
local idxTtl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', userZ, '-inf', now)
redis.call('ZADD', userZ, expAt, member)
if idxTtl > 0 then
  redis.call('EXPIRE', userZ, idxTtl)
end
redis.call('DEL', KEYS[2])
return 1
`

// 单连接离线，返回剩余有效数量
// KEYS[1] = user index key
// ARGV[1] = member
// ARGV[2] = nowUnix
const luaOfflineOne = `
local userZ  = KEYS[1]
local member = ARGV[1]
local now    = tonumber(ARGV[2])
redis.call('ZREM', userZ, member)
redis.call('ZREMRANGEBYSCORE', userZ, '-inf', now)
return redis.call('ZCARD', userZ)
`

// 清理过期并返回在线标志与数量
// KEYS[1] = user index key
// ARGV[1] = nowUnix
// 返回：数组 [在线标志(0/1), 数量]
const luaIsOnline = `
local userZ = KEYS[1]
local now   = tonumber(ARGV[1])

redis.call('ZREMRANGEBYSCORE', userZ, '-inf', now)
local cnt = redis.call('ZCOUNT', userZ, now + 1, '+inf')
if cnt > 0 then
  return {1, cnt}
else
  return {0, 0}
end
`

// 清理过期并返回所有有效成员
// KEYS[1] = user index key
// ARGV[1] = nowUnix
const luaGetActiveAndSweep = `
local userZ = KEYS[1]
local now   = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', userZ, '-inf', now)
return redis.call('ZRANGEBYSCORE', userZ, now + 1, '+inf')
`

// 无有效连接时抢占离线宣告
// KEYS[1] = user index key
// KEYS[2] = offline claim key
// ARGV[1] = nowUnix
// ARGV[2] = node
// ARGV[3] = claim ttl 秒
const luaClaimOffline = `
local userZ = KEYS[1]
local now   = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', userZ, '-inf', now)
if redis.call('ZCARD', userZ) > 0 then
  return 0
end
if redis.call('SET', KEYS[2], ARGV[2], 'NX', 'EX', tonumber(ARGV[3])) then
  return 1
end
return 0
`

// OnlineStore Redis 实现
type OnlineStore struct {
	conf OnlineConfig
	rdb  redis.UniversalClient
	now  func() time.Time

	luaTouch             *redis.Script
	luaOfflineOne        *redis.Script
	luaIsOnline          *redis.Script
	luaGetActiveAndSweep *redis.Script
	luaClaimOffline      *redis.Script
}

var _ LivenessIndex = (*OnlineStore)(nil)

func NewOnlineStore(rdb redis.UniversalClient, conf OnlineConfig) *OnlineStore {
	if conf.IndexTTL <= 0 {
		conf.IndexTTL = time.Hour
	}
	return &OnlineStore{
		conf:                 conf,
		rdb:                  rdb,
		now:                  time.Now,
		luaTouch:             redis.NewScript(luaTouch),
		luaOfflineOne:        redis.NewScript(luaOfflineOne),
		luaIsOnline:          redis.NewScript(luaIsOnline),
		luaGetActiveAndSweep: redis.NewScript(luaGetActiveAndSweep),
		luaClaimOffline:      redis.NewScript(luaClaimOffline),
	}
}

// nidx:{<user>} 使用 cluster tag 时同一用户的 key 落在同一 slot
func (m *OnlineStore) userIndexKey(userID string) string {
	if m.conf.UseClusterTag {
		return "nidx:{" + userID + "}"
	}
	return "nidx:" + userID
}

// noff:{<user>} 与 nidx 同 slot，脚本里一起操作
func (m *OnlineStore) claimKey(userID string) string {
	if m.conf.UseClusterTag {
		return "noff:{" + userID + "}"
	}
	return "noff:" + userID
}

func (m *OnlineStore) member(connID string) string {
	return m.conf.NodeID + ":" + connID
}

func (m *OnlineStore) Touch(ctx context.Context, userID, connID string, ttl time.Duration) error {
	if userID == "" || connID == "" {
		return errs.ErrInvalidArgument.WrapMsg("touch requires userID and connID")
	}
	now := m.now()
	expAt := now.Add(ttl).Unix()
	err := m.luaTouch.Run(ctx, m.rdb, []string{m.userIndexKey(userID), m.claimKey(userID)},
		m.member(connID), now.Unix(), expAt, int64(m.conf.IndexTTL/time.Second)).Err()
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("liveness touch", "user", userID, "err", err.Error())
	}
	return nil
}

func (m *OnlineStore) Remove(ctx context.Context, userID, connID string) (int64, error) {
	left, err := m.luaOfflineOne.Run(ctx, m.rdb, []string{m.userIndexKey(userID)},
		m.member(connID), m.now().Unix()).Int64()
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("liveness remove", "user", userID, "err", err.Error())
	}
	return left, nil
}

func (m *OnlineStore) IsOnline(ctx context.Context, userID string) (bool, int64, error) {
	vals, err := m.luaIsOnline.Run(ctx, m.rdb, []string{m.userIndexKey(userID)}, m.now().Unix()).Slice()
	if err != nil {
		return false, 0, errs.ErrStoreUnavailable.WrapMsg("liveness isOnline", "user", userID, "err", err.Error())
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected isOnline reply: %v", vals)
	}
	flag, _ := vals[0].(int64)
	cnt, _ := vals[1].(int64)
	return flag == 1, cnt, nil
}

func (m *OnlineStore) Active(ctx context.Context, userID string) ([]string, error) {
	actives, err := m.luaGetActiveAndSweep.Run(ctx, m.rdb, []string{m.userIndexKey(userID)}, m.now().Unix()).StringSlice()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("liveness active", "user", userID, "err", err.Error())
	}
	return actives, nil
}

func (m *OnlineStore) ClaimOffline(ctx context.Context, userID string) (bool, error) {
	won, err := m.luaClaimOffline.Run(ctx, m.rdb, []string{m.userIndexKey(userID), m.claimKey(userID)},
		m.now().Unix(), m.conf.NodeID, int64(m.conf.IndexTTL/time.Second)).Int64()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("liveness claim offline", "user", userID, "err", err.Error())
	}
	return won == 1, nil
}

// ExtractNode 从 member 中取出节点ID
func ExtractNode(member string) string {
	if i := strings.LastIndex(member, ":"); i > 0 {
		return member[:i]
	}
	return ""
}
