package chat

import (
	"context"

	chatModel "PPRealtime/module/chat/model"
	presenceModel "PPRealtime/module/presence/model"
	"PPRealtime/service/pubsub"

	"go.uber.org/zap"
)

// Subscribe 挂上两条总线订阅：会话事件按参与者推送，presence 事件按会话好友推送
func (s *Server) Subscribe() error {
	conv, err := s.deps.Bus.Subscribe(pubsub.ConversationPattern, s.onConversationEvent)
	if err != nil {
		return err
	}
	pres, err := s.deps.Bus.Subscribe(pubsub.PresenceChannel, s.onPresenceEvent)
	if err != nil {
		_ = conv.Unsubscribe()
		return err
	}
	s.subsMu.Lock()
	s.subs = append(s.subs, conv, pres)
	s.subsMu.Unlock()
	return nil
}

func (s *Server) onConversationEvent(ctx context.Context, ev pubsub.Event) error {
	convID, ok := pubsub.ConversationFromChannel(ev.Channel)
	if !ok {
		return nil
	}
	skip := ""
	switch ev.Name {
	case chatModel.EventMessageCreated:
		// 同一会话按 seq 放行
		s.order.push(ctx, convID, ev.Payload)
		return nil
	case chatModel.EventConvJoined:
		// 成员变了：本实例的会话 / peers 缓存都要丢
		s.deps.Engine.Invalidate(ctx, convID)
		var j chatModel.Joined
		if err := ev.Decode(&j); err == nil {
			s.deps.Engine.InvalidatePeers(ctx, j.ParticipantIDs...)
		}
	case chatModel.EventTypingUpdated:
		// 输入状态不回推给本人
		var t chatModel.Typing
		if err := ev.Decode(&t); err == nil {
			skip = t.UserID
		}
	}
	return s.fanout(ctx, convID, ev.Name, ev.Payload, skip)
}

func (s *Server) emitCreated(ctx context.Context, convID string, data any) {
	_ = s.fanout(ctx, convID, chatModel.EventMessageCreated, data, "")
}

// fanout 推给会话内在本实例有连接的参与者
func (s *Server) fanout(ctx context.Context, convID, event string, data any, skip string) error {
	conv, err := s.deps.Engine.Conversation(ctx, convID)
	if err != nil {
		s.log.Warn("fanout: load conversation failed", zap.String("conv", convID), zap.String("event", event), zap.Error(err))
		return err
	}
	frame, err := EncodeFrame(event, data, "")
	if err != nil {
		return err
	}
	delivered := 0
	for _, uid := range conv.ParticipantIDs {
		if uid == skip {
			continue
		}
		delivered += s.deps.Registry.Deliver(uid, frame)
	}
	s.log.Debug("fanout", zap.String("conv", convID), zap.String("event", event), zap.Int("sessions", delivered))
	return nil
}

func (s *Server) onPresenceEvent(ctx context.Context, ev pubsub.Event) error {
	if ev.Name != presenceModel.EventUpdated {
		return nil
	}
	rec, fresh, err := s.deps.Presence.ApplyRemote(ctx, ev)
	if err != nil {
		return err
	}
	if !fresh || rec == nil {
		return nil
	}
	peers, err := s.deps.Engine.Peers(ctx, rec.UserID)
	if err != nil {
		s.log.Warn("fanout: load peers failed", zap.String("user", rec.UserID), zap.Error(err))
		return err
	}
	frame, err := EncodeFrame(presenceModel.EventUpdated, rec, "")
	if err != nil {
		return err
	}
	// 本人其他设备也需要看到自己的状态
	s.deps.Registry.Deliver(rec.UserID, frame)
	for _, p := range peers {
		s.deps.Registry.Deliver(p, frame)
	}
	return nil
}
