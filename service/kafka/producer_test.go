package kafka

import (
	"context"
	"errors"
	"testing"

	"PPRealtime/global/config"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestSyncSenderSend(t *testing.T) {
	mp := mocks.NewSyncProducer(t, BuildConfig(config.KafkaConfig{Retries: 1}))
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"userId":"u1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewSyncSender(mp, "notification_enqueue")
	require.NoError(t, s.Send(context.Background(), "u1", []byte(`{"userId":"u1"}`)))

	err := s.Send(context.Background(), "u1", []byte(`{}`))
	require.True(t, errs.ErrAdapterUnavailable.Is(err))
	require.NoError(t, s.Close())
}

func TestBuildConfigCompression(t *testing.T) {
	cfg := BuildConfig(config.KafkaConfig{Compression: "LZ4", Retries: 3})
	require.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	require.Equal(t, 3, cfg.Producer.Retry.Max)
	require.True(t, cfg.Producer.Return.Successes)

	cfg = BuildConfig(config.KafkaConfig{})
	require.Equal(t, sarama.CompressionNone, cfg.Producer.Compression)
	require.Equal(t, 1, cfg.Producer.Retry.Max)
}
