package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"erp-auth-service/internal/client"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/util"
)

// Notifier hands a one-time code off for out-of-band delivery. The service
// never sends email or SMS itself; delivery workers consume the dispatch
// topic. Send must not surface the code anywhere observable besides the
// message payload.
type Notifier interface {
	Send(ctx context.Context, channel, destination string, message DispatchMessage) error
}

// DispatchMessage is the payload handed to delivery workers.
type DispatchMessage struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Purpose     string    `json:"purpose"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
	RequestedAt time.Time `json:"requested_at"`
}

// KafkaNotifier publishes dispatch messages to the OTP dispatch topic.
type KafkaNotifier struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaNotifier(producer *client.KafkaProducer, cfg *config.Config) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    cfg.Kafka.OTPDispatchTopic,
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, channel, destination string, message DispatchMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	headers := map[string]string{
		"channel": channel,
		"purpose": message.Purpose,
	}

	// Destination keys the message so retries for one recipient stay ordered.
	if err := n.producer.ProduceMessage(sendCtx, n.topic, []byte(destination), payload, headers); err != nil {
		util.Error("Failed to publish dispatch message",
			zap.String("channel", channel),
			zap.String("purpose", message.Purpose),
			zap.Error(err))
		return fmt.Errorf("failed to publish dispatch message: %w", err)
	}

	util.Info("Dispatch message published",
		zap.String("channel", channel),
		zap.String("purpose", message.Purpose))

	return nil
}

// NoopNotifier discards dispatch messages. Used in development when no
// delivery pipeline is running, and in tests.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, channel, destination string, message DispatchMessage) error {
	util.Debug("Dispatch message dropped (noop notifier)",
		zap.String("channel", channel),
		zap.String("purpose", message.Purpose))
	return nil
}
