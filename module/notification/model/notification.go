package model

import "time"

// Notification 离线参与者的提醒记录，持久化形状 {userId, messageId, title, body, sent}
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	MessageID string     `json:"messageId"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Sent      bool       `json:"sent"` // 已成功投递到 Kafka
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	out := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		out.ReadAt = &t
	}
	return &out
}

const (
	EventReceived = "notification:received"
	EventRead     = "notification:read"
)

// ReadAck notification:read 的负载
type ReadAck struct {
	UserID string    `json:"userId"`
	IDs    []string  `json:"ids"`
	ReadAt time.Time `json:"readAt"`
}
