package pubsub

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ConversationPrefix = "chat.conv."
	// ConversationPattern 订阅所有会话频道
	ConversationPattern = ConversationPrefix + "*"
	PresenceChannel     = "chat.presence"
)

func ConversationChannel(conversationID string) string {
	return ConversationPrefix + conversationID
}

// ConversationFromChannel chat.conv.<id> -> <id>
func ConversationFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ConversationPrefix) {
		return "", false
	}
	id := channel[len(ConversationPrefix):]
	return id, id != ""
}

// Event 总线信封。ID 用于消费端去重
type Event struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Channel string          `json:"channel"`
	Origin  string          `json:"origin"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func NewEvent(name, channel, origin string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		Channel: channel,
		Origin:  origin,
		TS:      time.Now().UnixMilli(),
		Payload: b,
	}, nil
}

func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

func encode(e Event) ([]byte, error) { return json.Marshal(e) }

func decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
