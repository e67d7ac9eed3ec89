package model

import (
	"sort"
	"time"

	"PPRealtime/tools/errs"

	"github.com/google/uuid"
)

type Kind string

const (
	Direct  Kind = "direct"  // 单聊，成员创建后固定
	Group   Kind = "group"   // 群聊，成员只增不减
	Channel Kind = "channel" // 频道
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Direct, Group, Channel:
		return k, nil
	}
	return "", errs.ErrInvalidArgument.WrapMsg("unknown conversation kind", "kind", s)
}

// Conversation 参与者是集合语义，所有修改都是 $addToSet
type Conversation struct {
	ID             string    `bson:"conversation_id" json:"id"`
	Kind           Kind      `bson:"kind" json:"kind"`
	ParticipantIDs []string  `bson:"participant_ids" json:"participantIds"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updatedAt"`
	LastMessageID  string    `bson:"last_message_id,omitempty" json:"lastMessageId,omitempty"`
	LastMessageSeq int64     `bson:"last_message_seq" json:"lastMessageSeq"`
	// MaxSeq 发号水位，$inc 分配；可能大于 LastMessageSeq（发号后写入失败）
	MaxSeq int64 `bson:"max_seq" json:"-"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return &out
}

var directNS = uuid.MustParse("6f1c2a7e-3b9d-4c55-9e0a-2d8b7f4e1a10")

// DirectID 单聊会话ID由两端排序后确定，首条消息时创建是幂等的
func DirectID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm-" + uuid.NewSHA1(directNS, []byte(pair[0]+"\x00"+pair[1])).String()
}

// UniqueParticipants 去重、去空，保持首次出现的顺序
func UniqueParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func ConversationCacheKey(id string) string { return "conv:" + id }

// PeersCacheKey 用户所有会话的参与者并集
func PeersCacheKey(userID string) string { return "peers:" + userID }
