package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"PPRealtime/logger"
	"PPRealtime/module/notification/model"
	"PPRealtime/module/notification/store"
	"PPRealtime/service/kafka"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/retry"

	"go.uber.org/zap"
)

const defaultUnreadLimit = 50

// kafkaRecord 下游推送服务消费的消息体
type kafkaRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	store  store.Store
	sender kafka.Sender // 为空时只落库
	now    func() time.Time
	log    *zap.Logger
}

func New(st store.Store, sender kafka.Sender) *Service {
	return &Service{store: st, sender: sender, now: time.Now, log: logger.Named("notification")}
}

// Enqueue 先落库再投 Kafka；投递失败保留 sent=false，不影响调用方
func (s *Service) Enqueue(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	if strings.TrimSpace(n.UserID) == "" || strings.TrimSpace(n.MessageID) == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("notification needs userId and messageId")
	}
	var saved *model.Notification
	err := retry.Do(ctx, retry.DefaultPolicy(), "notification.insert", func(ctx context.Context) error {
		var err error
		saved, err = s.store.Insert(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if saved.Sent || s.sender == nil {
		return saved, nil
	}

	b, err := json.Marshal(kafkaRecord{
		ID: saved.ID, UserID: saved.UserID, MessageID: saved.MessageID,
		Title: saved.Title, Body: saved.Body, CreatedAt: saved.CreatedAt,
	})
	if err != nil {
		return saved, errs.WrapMsg(err, "encode notification")
	}
	if err := s.sender.Send(ctx, saved.UserID, b); err != nil {
		s.log.Warn("kafka send failed, left unsent", zap.String("id", saved.ID), zap.Error(err))
		return saved, nil
	}
	if err := s.store.MarkSent(ctx, saved.ID); err != nil {
		s.log.Warn("mark sent failed", zap.String("id", saved.ID), zap.Error(err))
		return saved, nil
	}
	saved.Sent = true
	return saved, nil
}

// Notify 供聊天引擎调用
func (s *Service) Notify(ctx context.Context, userID, messageID, title, body string) error {
	_, err := s.Enqueue(ctx, &model.Notification{
		UserID: userID, MessageID: messageID, Title: title, Body: body, CreatedAt: s.now(),
	})
	return err
}

func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (*model.ReadAck, error) {
	if userID == "" || len(ids) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("mark read needs userId and ids")
	}
	at := s.now()
	var changed []string
	err := retry.Do(ctx, retry.DefaultPolicy(), "notification.mark_read", func(ctx context.Context) error {
		var err error
		changed, err = s.store.MarkRead(ctx, userID, ids, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &model.ReadAck{UserID: userID, IDs: changed, ReadAt: at}, nil
}

func (s *Service) Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("unread needs userId")
	}
	if limit <= 0 || limit > defaultUnreadLimit {
		limit = defaultUnreadLimit
	}
	var out []*model.Notification
	err := retry.Do(ctx, retry.DefaultPolicy(), "notification.unread", func(ctx context.Context) error {
		var err error
		out, err = s.store.Unread(ctx, userID, limit)
		return err
	})
	return out, err
}
