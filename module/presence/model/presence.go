package model

import (
	"time"

	"PPRealtime/tools/errs"
)

type Availability string

const (
	Available Availability = "available"
	Offline   Availability = "offline" // 用户主动“隐身”
	Busy      Availability = "busy"
	Away      Availability = "away"
)

func (a Availability) Valid() bool {
	switch a {
	case Available, Offline, Busy, Away:
		return true
	}
	return false
}

func ParseAvailability(s string) (Availability, error) {
	a := Availability(s)
	if !a.Valid() {
		return "", errs.ErrInvalidArgument.WrapMsg("unknown availability", "value", s)
	}
	return a, nil
}

// Record 懒创建，从不硬删除
type Record struct {
	UserID       string       `bson:"user_id" json:"userId"`
	IsOnline     bool         `bson:"is_online" json:"isOnline"`
	Availability Availability `bson:"availability" json:"availability"`
	LastSeen     time.Time    `bson:"last_seen" json:"lastSeen"`
	DeviceID     string       `bson:"device_id,omitempty" json:"deviceId,omitempty"`
	// UpdatedAt 每次变更都前进，跨实例合并时旧的丢弃
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// NewRecord 第一次见到某用户时的默认记录
func NewRecord(userID string) *Record {
	return &Record{UserID: userID, Availability: Available}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// NewerThan 用于合并远端广播；时间相同不算更新
func (r *Record) NewerThan(o *Record) bool {
	if o == nil {
		return true
	}
	return r.UpdatedAt.After(o.UpdatedAt)
}

// Same 同一次变更（经过序列化后比较）
func (r *Record) Same(o *Record) bool {
	if o == nil {
		return false
	}
	return r.UserID == o.UserID &&
		r.IsOnline == o.IsOnline &&
		r.Availability == o.Availability &&
		r.DeviceID == o.DeviceID &&
		r.LastSeen.Equal(o.LastSeen) &&
		r.UpdatedAt.Equal(o.UpdatedAt)
}

func CacheKey(userID string) string { return "presence:" + userID }

const (
	EventUpdated = "presence:updated"
)
