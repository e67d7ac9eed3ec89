package chat

import (
	"context"
	"encoding/json"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Reply 处理结果；Event 为空时以 ack 回给请求方
type Reply struct {
	Event string
	Data  any
}

type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error)

// Dispatcher 启动时建好的 event -> handler 表，运行期只读
type Dispatcher struct {
	handlers map[string]HandlerFunc
	timeout  time.Duration
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{handlers: make(map[string]HandlerFunc), timeout: timeout}
}

func (d *Dispatcher) Register(event string, h HandlerFunc) { d.handlers[event] = h }

func (d *Dispatcher) Events() []string {
	out := make([]string, 0, len(d.handlers))
	for ev := range d.handlers {
		out = append(out, ev)
	}
	return out
}

// Dispatch 返回需要回写给该连接的帧，nil 表示无需回写
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, f *Frame) []byte {
	h, ok := d.handlers[f.Event]
	if !ok {
		logger.Debug("[WS] no handler", zap.String("event", f.Event), zap.String("conn", c.ConnID))
		return ErrorFrame(errs.ErrInvalidArgument.WrapMsg("unknown event", "event", f.Event), f.AckID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := h(ctx, c, f.Data)
	if err != nil {
		if errs.IsValidation(err) {
			logger.Debug("[WS] rejected", zap.String("event", f.Event), zap.String("user", c.UserID), zap.Error(err))
		} else {
			logger.Warn("[WS] handler failed", zap.String("event", f.Event), zap.String("user", c.UserID), zap.Error(err))
		}
		return ErrorFrame(err, f.AckID)
	}
	if reply == nil {
		if f.AckID == "" {
			return nil
		}
		reply = &Reply{}
	}
	event := reply.Event
	if event == "" {
		event = evAck
	}
	b, err := EncodeFrame(event, reply.Data, f.AckID)
	if err != nil {
		logger.Error("[WS] encode reply failed", zap.String("event", f.Event), zap.Error(err))
		return ErrorFrame(errs.WrapMsg(err, "encode reply"), f.AckID)
	}
	return b
}
