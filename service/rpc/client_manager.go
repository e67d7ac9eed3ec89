package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PPRealtime/logger"
	presenceModel "PPRealtime/module/presence/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Config struct {
	Target              string        // gRPC service address
	DialTimeout         time.Duration // connection timeout
	HealthCheckInterval time.Duration // health check interval
}

func (c *Config) norm() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
}

// Manager 其他后端调用 presence 查询的客户端：断线后台重连，健康检查失败即重建连接
type Manager struct {
	cfg       Config
	mu        sync.RWMutex
	conn      *grpc.ClientConn
	healthy   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

func NewManager(cfg Config) *Manager {
	cfg.norm()
	return &Manager{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.startOnce.Do(func() {
		safe.Go("rpc:presence-client", m.run)
	})
}

func (m *Manager) run() {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := m.connect(); err != nil {
			logger.Warn("[presence-rpc] connect failed", zap.String("target", m.cfg.Target), zap.Error(err))
			select {
			case <-m.stopCh:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		safe.Go("rpc:presence-health", m.healthLoop)
		return
	}
}

func (m *Manager) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, m.cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.healthy = true
	m.mu.Unlock()

	logger.Info("[presence-rpc] connected", zap.String("target", m.cfg.Target))
	return nil
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	health := grpc_health_v1.NewHealthClient(conn)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			resp, err := health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: PresenceServiceName})
			cancel()
			if err != nil || resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
				logger.Warn("[presence-rpc] health check failed", zap.Error(err))
				m.reconnect()
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.healthy = false
	m.mu.Unlock()

	safe.Go("rpc:presence-client", m.run)
}

func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.healthy = false
	m.mu.Unlock()
}

// GetPresence 查询一个用户的 presence 记录
func (m *Manager) GetPresence(ctx context.Context, userID string) (*structpb.Struct, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return nil, errs.ErrAdapterUnavailable.WrapMsg("presence rpc not connected", "target", m.cfg.Target)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, presenceGetMethod, wrapperspb.String(userID), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Presence GetPresence 的结果还原成记录；对端的错误码映射回本地错误
func (m *Manager) Presence(ctx context.Context, userID string) (*presenceModel.Record, error) {
	st, err := m.GetPresence(ctx, userID)
	if err != nil {
		return nil, fromStatus(err, userID)
	}
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, errs.WrapMsg(err, "encode peer presence", "user", userID)
	}
	var rec presenceModel.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errs.WrapMsg(err, "decode peer presence", "user", userID)
	}
	return &rec, nil
}

func fromStatus(err error, userID string) error {
	if _, ok := status.FromError(err); !ok {
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument:
		return errs.ErrInvalidArgument.WrapMsg(status.Convert(err).Message(), "user", userID)
	case codes.NotFound:
		return errs.ErrNotFound.WrapMsg(status.Convert(err).Message(), "user", userID)
	default:
		return errs.ErrAdapterUnavailable.WrapMsg("peer presence", "user", userID, "err", err.Error())
	}
}
