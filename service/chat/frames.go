package chat

import (
	"encoding/json"
	"strings"

	chatModel "PPRealtime/module/chat/model"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"
)

// 客户端 -> 服务端
const (
	EvMessageSend         = "message:send"
	EvMessageMarkRead     = "message:mark_read"
	EvMessageHistory      = "message:history"
	EvTypingSet           = "typing:set"
	EvConversationCreate  = "conversation:create"
	EvConversationJoin    = "conversation:join"
	EvNotificationRead    = "notification:mark_read"
	EvNotificationUnread  = "notification:get_unread"
	EvPresenceHeartbeat   = "presence:heartbeat"
	EvPresenceSet         = "presence:set"
	EvPresenceQuery       = "presence:get"
	evAck                 = "ack"
	evError               = "error"
	evConnected           = "connected"
	evNotificationUnreadL = "notification:unread"
)

// Frame ws 上的一帧：{"event": "...", "data": {...}, "ackId": "..."}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("malformed frame", "err", err.Error())
	}
	f.Event = strings.TrimSpace(f.Event)
	if f.Event == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame without event")
	}
	return &f, nil
}

// EncodeFrame data 为 json.RawMessage 时原样嵌入
func EncodeFrame(event string, data any, ackID string) ([]byte, error) {
	out := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
		AckID string `json:"ackId,omitempty"`
	}{Event: event, Data: data, AckID: ackID}
	return json.Marshal(out)
}

// ErrorFrame 校验错误原样返回，基础设施错误统一折叠为 try again
func ErrorFrame(err error, ackID string) []byte {
	pub := errs.Public(err)
	b, _ := EncodeFrame(evError, map[string]any{"code": pub.Code, "msg": pub.Msg, "detail": pub.Detail}, ackID)
	return b
}

// decodeData 空 data 视为 {}
func decodeData[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	v, err := decode.Raw[T](raw)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad payload", "err", err.Error())
	}
	return v, nil
}

// ===== 请求体 =====

type sendReq struct {
	ConversationID string            `json:"conversationId"`
	To             string            `json:"to"` // 首条单聊消息可只给对方 id
	Type           string            `json:"type"`
	Content        chatModel.Content `json:"content"`
	ReplyTo        string            `json:"replyTo"`
}

type markReadReq struct {
	MessageIDs []string `json:"messageIds"`
	ChatID     string   `json:"chatId"`
}

type historyReq struct {
	ConversationID string `json:"conversationId"`
	BeforeSeq      int64  `json:"beforeSeq"`
	Limit          int    `json:"limit"`
}

type typingReq struct {
	ConversationID string `json:"chatId"`
	IsTyping       bool   `json:"isTyping"`
}

type createReq struct {
	Kind           string   `json:"kind"`
	ParticipantIDs []string `json:"participantIds"`
}

type joinReq struct {
	ConversationID string `json:"chatId"`
}

type notificationReadReq struct {
	IDs []string `json:"ids"`
}

type unreadReq struct {
	Limit int `json:"limit"`
}

type presenceSetReq struct {
	Availability string `json:"availability"`
}

type presenceGetReq struct {
	UserIDs []string `json:"userIds"`
}
