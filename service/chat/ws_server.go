package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	midsec "PPRealtime/middleware/security"
	notificationModel "PPRealtime/module/notification/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultDevice = "default"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 来源校验在 middleware.Origin 里做
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS 鉴权已由中间件完成；这里升级、登记、跑读循环，退出时注销
func (s *Server) HandleWS(c *gin.Context) {
	id, ok := midsec.IdentityFrom(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	deviceID := strings.TrimSpace(c.Query("device_id"))
	if deviceID == "" {
		deviceID = id.DeviceID
	}
	if deviceID == "" {
		deviceID = defaultDevice
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket error", zap.Error(err))
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	client := NewClient(id.UserID, deviceID, ws, s.opts.WS.SendBuffer)
	ctx := s.baseCtx
	if err := s.register(ctx, client, strings.TrimSpace(c.Query("conn_id"))); err != nil {
		s.log.Warn("register failed", zap.String("user", id.UserID), zap.Error(err))
		_ = ws.WriteMessage(websocket.TextMessage, ErrorFrame(err, ""))
		_ = ws.Close()
		return
	}
	safe.Go("ws:writer", func() { client.writeLoop(s.opts.WS.PingInterval, s.opts.WS.WriteWait) })

	s.afterConnect(ctx, client)
	s.readLoop(ctx, client)

	// 用完整的超时上下文收尾，baseCtx 可能已取消
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.deps.Registry.Release(cctx, client.ConnID, client)
	client.Close()
}

// register 客户端可带 conn_id 断线续连；同 ID 仍在线时视为良性替换
func (s *Server) register(ctx context.Context, client *Client, connID string) error {
	reg := s.deps.Registry
	if connID == "" {
		id, err := reg.Register(ctx, client.UserID, client.DeviceID, client)
		client.ConnID = id
		return err
	}
	client.ConnID = connID
	err := reg.RegisterWithID(ctx, client.UserID, client.DeviceID, connID, client)
	if !errs.ErrDuplicateConnection.Is(err) {
		return err
	}
	s.log.Info("duplicate connection, replacing", zap.String("user", client.UserID),
		zap.String("device", client.DeviceID), zap.String("conn", connID))
	if info, ok := reg.Lookup(connID); ok && info.Identity != client.UserID {
		// 别人的连接ID，不替换
		return errs.ErrDuplicateConnection.WrapMsg("connection id taken", "conn", connID)
	}
	reg.Unregister(ctx, connID)
	return reg.RegisterWithID(ctx, client.UserID, client.DeviceID, connID, client)
}

// afterConnect 回 connected，并推送未读通知
func (s *Server) afterConnect(ctx context.Context, client *Client) {
	if b, err := EncodeFrame(evConnected, map[string]any{
		"connId":       client.ConnID,
		"userId":       client.UserID,
		"deviceId":     client.DeviceID,
		"instanceId":   s.deps.Registry.InstanceID(),
		"pingInterval": s.opts.WS.PingInterval.Milliseconds(),
	}, ""); err == nil {
		client.Send(b)
	}

	if s.deps.Notifications == nil {
		return
	}
	uctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	list, err := s.deps.Notifications.Unread(uctx, client.UserID, 0)
	if err != nil {
		s.log.Warn("load unread notifications failed", zap.String("user", client.UserID), zap.Error(err))
		return
	}
	for i := len(list) - 1; i >= 0; i-- {
		if b, err := EncodeFrame(notificationModel.EventReceived, list[i], ""); err == nil {
			client.Send(b)
		}
	}
}

// readLoop 只读不写（写由 writeLoop 负责）；同一连接内按到达顺序串行处理
func (s *Server) readLoop(ctx context.Context, client *Client) {
	ws := client.ws
	ws.SetReadLimit(s.opts.WS.MaxFrame)
	pongWait := s.opts.WS.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.heartbeat(ctx, client)
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Debug("peer closed", zap.String("conn", client.ConnID))
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Info("read timeout", zap.String("conn", client.ConnID), zap.String("user", client.UserID))
			default:
				s.log.Debug("read err", zap.String("conn", client.ConnID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := ParseFrame(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.log.Debug("bad frame", zap.String("conn", client.ConnID), zap.ByteString("sample", sample))
			client.Send(ErrorFrame(err, ""))
			continue
		}
		if out := s.disp.Dispatch(ctx, client, f); out != nil {
			client.Send(out)
		}
	}
}

// heartbeat 续期注册表（会回调 presence.OnHeartbeat）
func (s *Server) heartbeat(ctx context.Context, client *Client) {
	if err := s.deps.Registry.Heartbeat(ctx, client.ConnID); err != nil {
		s.log.Debug("heartbeat on unknown connection", zap.String("conn", client.ConnID), zap.Error(err))
	}
}
