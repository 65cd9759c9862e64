package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/obsidianstack/batchsend/internal/config"
)

// messageWriter is the part of *kafka.Writer the sender uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each batch as a single message whose value is the same
// JSON array the HTTP transport would POST.
type Kafka struct {
	writer  messageWriter
	token   string
	timeout time.Duration
}

// NewKafka returns a sender writing to cfg.Topic on cfg.Brokers.
func NewKafka(cfg config.KafkaConfig, token string, timeout time.Duration) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: timeout,
		},
		token:   token,
		timeout: timeout,
	}
}

func (k *Kafka) Send(ctx context.Context, b Batch) (Result, error) {
	value, err := json.Marshal(b.Records)
	if err != nil {
		return Result{}, &DeliveryError{Index: b.Index, Err: fmt.Errorf("encode batch: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	start := time.Now()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(b.Index)),
		Value: value,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "Content-Type", Value: []byte("application/json")},
			{Key: "Authorization", Value: []byte(k.token)},
		},
	})
	if err != nil {
		return Result{}, &DeliveryError{Index: b.Index, Err: fmt.Errorf("kafka write: %w", err)}
	}
	return Result{Duration: time.Since(start)}, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
