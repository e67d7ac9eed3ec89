package model

import "time"

// 推送给客户端的事件名
const (
	EventMessageCreated   = "message:created"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTypingUpdated    = "typing:updated"
	EventConvJoined       = "conversation:joined"
)

type Delivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// ReadReceipt 一次 markRead 合并成一个事件，只带真正变化的消息
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
	DeviceID       string    `json:"deviceId,omitempty"`
}

type Typing struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
}

type Joined struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	ParticipantIDs []string `json:"participantIds"`
}

func TypingCacheKey(conversationID, userID string) string {
	return "typing:" + conversationID + ":" + userID
}
