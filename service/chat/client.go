package chat

import (
	"sync"
	"time"

	"PPRealtime/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 一条 websocket 会话；同一用户多设备各自一条
// 实现 registry.Sink：Send 非阻塞入队，由单个写协程消费
type Client struct {
	ConnID   string
	UserID   string
	DeviceID string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(userID, deviceID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Client{
		UserID:   userID,
		DeviceID: deviceID,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Send 连接已关闭或队列满返回 false（慢客户端丢帧，靠 History 补齐）
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		logger.Debug("[WS] send queue full, drop", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeLoop 唯一写 ws 的协程：业务帧 + 定时 ping；退出时发 Close 帧并关闭底层连接
func (c *Client) writeLoop(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
		logger.Debug("[WS] writer closed", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Info("[WS] write err", zap.String("conn", c.ConnID), zap.String("user", c.UserID), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Info("[WS] ping err", zap.String("conn", c.ConnID), zap.String("user", c.UserID), zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
