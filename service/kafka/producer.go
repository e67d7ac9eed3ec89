package kafka

import (
	"context"
	"strings"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Sender 同步投递一条记录，key 决定分区
type Sender interface {
	Send(ctx context.Context, key string, value []byte) error
	Close() error
}

func BuildConfig(c config.KafkaConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if c.Retries <= 0 {
		c.Retries = 1
	}
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // 同一用户落同一分区
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

type SyncSender struct {
	topic  string
	prod   sarama.SyncProducer
	client sarama.Client // 由 NewSyncSender 创建时为 nil
}

var _ Sender = (*SyncSender)(nil)

// NewSyncSender 包装现成的 SyncProducer（单测里传 mocks.SyncProducer）
func NewSyncSender(p sarama.SyncProducer, topic string) *SyncSender {
	return &SyncSender{topic: topic, prod: p}
}

// Dial 连 broker、确保 topic 存在、建同步生产者
func Dial(c config.KafkaConfig) (*SyncSender, error) {
	client, err := sarama.NewClient(c.Brokers, BuildConfig(c))
	if err != nil {
		return nil, errs.ErrAdapterUnavailable.WrapMsg("kafka client", "brokers", strings.Join(c.Brokers, ","), "err", err.Error())
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err == nil {
		if err := EnsureTopic(admin, c.Topic, c.Partitions, c.Replication); err != nil {
			logger.Warn("[kafka] ensure topic failed", zap.String("topic", c.Topic), zap.Error(err))
		}
	} else {
		logger.Warn("[kafka] cluster admin unavailable", zap.Error(err))
	}
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.ErrAdapterUnavailable.WrapMsg("kafka producer", "err", err.Error())
	}
	logger.Info("[kafka] producer ready", zap.Strings("brokers", c.Brokers), zap.String("topic", c.Topic))
	return &SyncSender{topic: c.Topic, prod: p, client: client}, nil
}

func (s *SyncSender) Send(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := s.prod.SendMessage(msg)
	if err != nil {
		return errs.ErrAdapterUnavailable.WrapMsg("kafka send", "topic", s.topic, "err", err.Error())
	}
	logger.Debug("[kafka] sent", zap.String("topic", s.topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (s *SyncSender) Close() error {
	err := s.prod.Close()
	if s.client != nil && !s.client.Closed() {
		_ = s.client.Close()
	}
	return err
}
