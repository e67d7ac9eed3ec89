package model

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"PPRealtime/tools/errs"
)

type MsgType string

const (
	Text   MsgType = "text"
	Image  MsgType = "image"
	Video  MsgType = "video"
	Audio  MsgType = "audio"
	File   MsgType = "file"
	System MsgType = "system"
)

const MaxTextLen = 10000

// Content 按 Type 取用不同字段
type Content struct {
	Text string `bson:"text,omitempty" json:"text,omitempty"`

	// 媒体 / 文件
	URL        string `bson:"url,omitempty" json:"url,omitempty"`
	Name       string `bson:"name,omitempty" json:"name,omitempty"`
	MimeType   string `bson:"mime_type,omitempty" json:"mimeType,omitempty"`
	Size       int64  `bson:"size,omitempty" json:"size,omitempty"`
	Width      int32  `bson:"width,omitempty" json:"width,omitempty"`
	Height     int32  `bson:"height,omitempty" json:"height,omitempty"`
	DurationMs int64  `bson:"duration_ms,omitempty" json:"durationMs,omitempty"`
	ThumbURL   string `bson:"thumb_url,omitempty" json:"thumbUrl,omitempty"`
	Caption    string `bson:"caption,omitempty" json:"caption,omitempty"`
}

// Validate 检查内容与类型是否匹配
func (c Content) Validate(t MsgType) error {
	switch t {
	case Text, System:
		s := strings.TrimSpace(c.Text)
		if s == "" {
			return errs.ErrInvalidArgument.WrapMsg("empty text", "type", string(t))
		}
		if utf8.RuneCountInString(c.Text) > MaxTextLen {
			return errs.ErrInvalidArgument.WrapMsg("text too long", "max", MaxTextLen)
		}
		return nil
	case Image, Video, Audio, File:
		if err := checkURL(c.URL); err != nil {
			return err
		}
		if c.Size < 0 || c.Width < 0 || c.Height < 0 || c.DurationMs < 0 {
			return errs.ErrInvalidArgument.WrapMsg("negative media metadata", "type", string(t))
		}
		if t == File && strings.TrimSpace(c.Name) == "" {
			return errs.ErrInvalidArgument.WrapMsg("file name required")
		}
		if utf8.RuneCountInString(c.Caption) > MaxTextLen {
			return errs.ErrInvalidArgument.WrapMsg("caption too long", "max", MaxTextLen)
		}
		return nil
	}
	return errs.ErrInvalidArgument.WrapMsg("unknown message type", "type", string(t))
}

func checkURL(raw string) error {
	if raw == "" {
		return errs.ErrInvalidArgument.WrapMsg("media url required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errs.ErrInvalidArgument.WrapMsg("invalid media url", "url", raw)
	}
	return nil
}

// Preview 离线通知用的摘要
func (c Content) Preview(t MsgType) string {
	switch t {
	case Text, System:
		r := []rune(c.Text)
		if len(r) > 80 {
			return string(r[:80]) + "…"
		}
		return c.Text
	case Image:
		return "[image]"
	case Video:
		return "[video]"
	case Audio:
		return "[audio]"
	case File:
		return "[file] " + c.Name
	}
	return ""
}

// Message 创建后只有 DeliveredTo / ReadBy 单调增长
type Message struct {
	ID             string    `bson:"message_id" json:"id"`
	ConversationID string    `bson:"conversation_id" json:"conversationId"`
	SenderID       string    `bson:"sender_id" json:"senderId"`
	Seq            int64     `bson:"seq" json:"seq"`
	Type           MsgType   `bson:"type" json:"type"`
	Content        Content   `bson:"content" json:"content"`
	Timestamp      time.Time `bson:"timestamp" json:"timestamp"`
	DeliveredTo    []string  `bson:"delivered_to" json:"deliveredTo"`
	ReadBy         []string  `bson:"read_by" json:"readBy"`
	ReplyTo        string    `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.DeliveredTo = append([]string{}, m.DeliveredTo...)
	out.ReadBy = append([]string{}, m.ReadBy...)
	return &out
}

func contains(set []string, v string) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// IsDeliveredTo 发送者隐式视为已送达
func (m *Message) IsDeliveredTo(userID string) bool {
	return userID == m.SenderID || contains(m.DeliveredTo, userID)
}

func (m *Message) IsReadBy(userID string) bool {
	return userID == m.SenderID || contains(m.ReadBy, userID)
}

// AddDelivered 集合并入，返回是否有变化
func (m *Message) AddDelivered(userID string) bool {
	if m.IsDeliveredTo(userID) {
		return false
	}
	m.DeliveredTo = append(m.DeliveredTo, userID)
	return true
}

// AddRead 已读蕴含已送达
func (m *Message) AddRead(userID string) bool {
	if userID == m.SenderID {
		return false
	}
	m.AddDelivered(userID)
	if contains(m.ReadBy, userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}
