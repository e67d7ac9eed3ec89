package chat

import (
	"context"
	"encoding/json"

	chatModel "PPRealtime/module/chat/model"
	chatService "PPRealtime/module/chat/service"
	notificationModel "PPRealtime/module/notification/model"
	presenceModel "PPRealtime/module/presence/model"
	"PPRealtime/tools/errs"
)

const maxPresenceQuery = 100

func (s *Server) registerHandlers() {
	s.disp.Register(EvMessageSend, s.onMessageSend)
	s.disp.Register(EvMessageMarkRead, s.onMarkRead)
	s.disp.Register(EvMessageHistory, s.onHistory)
	s.disp.Register(EvTypingSet, s.onTyping)
	s.disp.Register(EvConversationCreate, s.onConversationCreate)
	s.disp.Register(EvConversationJoin, s.onConversationJoin)
	s.disp.Register(EvNotificationRead, s.onNotificationRead)
	s.disp.Register(EvNotificationUnread, s.onNotificationUnread)
	s.disp.Register(EvPresenceHeartbeat, s.onPresenceHeartbeat)
	s.disp.Register(EvPresenceSet, s.onPresenceSet)
	s.disp.Register(EvPresenceQuery, s.onPresenceQuery)
}

func (s *Server) onMessageSend(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[sendReq](data)
	if err != nil {
		return nil, err
	}
	msgType := chatModel.MsgType(req.Type)
	if msgType == "" {
		msgType = chatModel.Text
	}
	msg, err := s.deps.Engine.SendMessage(ctx, req.ConversationID, c.UserID, chatService.SendInput{
		Type:    msgType,
		Content: req.Content,
		ReplyTo: req.ReplyTo,
		To:      req.To,
	})
	if err != nil {
		return nil, err
	}
	// 发送方经由总线收到 message:created；这里只回 ack 带服务端 id/seq
	return &Reply{Data: map[string]any{
		"messageId":      msg.ID,
		"conversationId": msg.ConversationID,
		"seq":            msg.Seq,
		"timestamp":      msg.Timestamp,
	}}, nil
}

func (s *Server) onMarkRead(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[markReadReq](data)
	if err != nil {
		return nil, err
	}
	receipt, err := s.deps.Engine.MarkRead(ctx, req.MessageIDs, c.UserID, req.ChatID, c.DeviceID)
	if err != nil {
		return nil, err
	}
	return &Reply{Data: receipt}, nil
}

func (s *Server) onHistory(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[historyReq](data)
	if err != nil {
		return nil, err
	}
	msgs, err := s.deps.Engine.History(ctx, req.ConversationID, c.UserID, req.BeforeSeq, req.Limit)
	if err != nil {
		return nil, err
	}
	return &Reply{Data: map[string]any{"conversationId": req.ConversationID, "messages": msgs}}, nil
}

func (s *Server) onTyping(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[typingReq](data)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Engine.SetTyping(ctx, req.ConversationID, c.UserID, req.IsTyping); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) onConversationCreate(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[createReq](data)
	if err != nil {
		return nil, err
	}
	kind, err := chatModel.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	// 创建者总是参与者
	members := append([]string{c.UserID}, req.ParticipantIDs...)
	conv, err := s.deps.Engine.CreateConversation(ctx, kind, members)
	if err != nil {
		return nil, err
	}
	return &Reply{Data: conv}, nil
}

func (s *Server) onConversationJoin(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[joinReq](data)
	if err != nil {
		return nil, err
	}
	conv, err := s.deps.Engine.JoinConversation(ctx, req.ConversationID, c.UserID)
	if err != nil {
		return nil, err
	}
	return &Reply{Data: conv}, nil
}

func (s *Server) onNotificationRead(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	if s.deps.Notifications == nil {
		return nil, errs.ErrNotFound.WrapMsg("notifications disabled")
	}
	req, err := decodeData[notificationReadReq](data)
	if err != nil {
		return nil, err
	}
	ack, err := s.deps.Notifications.MarkRead(ctx, c.UserID, req.IDs)
	if err != nil {
		return nil, err
	}
	// 同一用户的其他设备也要同步已读
	if len(ack.IDs) > 0 {
		if b, err := EncodeFrame(notificationModel.EventRead, ack, ""); err == nil {
			s.deps.Registry.Deliver(c.UserID, b)
		}
	}
	return &Reply{Data: ack}, nil
}

func (s *Server) onNotificationUnread(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	if s.deps.Notifications == nil {
		return nil, errs.ErrNotFound.WrapMsg("notifications disabled")
	}
	req, err := decodeData[unreadReq](data)
	if err != nil {
		return nil, err
	}
	list, err := s.deps.Notifications.Unread(ctx, c.UserID, req.Limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*notificationModel.Notification{}
	}
	return &Reply{Event: evNotificationUnreadL, Data: list}, nil
}

func (s *Server) onPresenceHeartbeat(ctx context.Context, c *Client, _ json.RawMessage) (*Reply, error) {
	if err := s.deps.Registry.Heartbeat(ctx, c.ConnID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) onPresenceSet(ctx context.Context, c *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[presenceSetReq](data)
	if err != nil {
		return nil, err
	}
	a, err := presenceModel.ParseAvailability(req.Availability)
	if err != nil {
		return nil, err
	}
	rec, err := s.deps.Presence.SetAvailability(ctx, c.UserID, a)
	if err != nil {
		return nil, err
	}
	return &Reply{Data: rec}, nil
}

func (s *Server) onPresenceQuery(ctx context.Context, _ *Client, data json.RawMessage) (*Reply, error) {
	req, err := decodeData[presenceGetReq](data)
	if err != nil {
		return nil, err
	}
	if len(req.UserIDs) == 0 || len(req.UserIDs) > maxPresenceQuery {
		return nil, errs.ErrInvalidArgument.WrapMsg("userIds must hold 1..100 ids")
	}
	out := make([]*presenceModel.Record, 0, len(req.UserIDs))
	for _, uid := range req.UserIDs {
		rec, err := s.deps.Presence.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return &Reply{Data: out}, nil
}
