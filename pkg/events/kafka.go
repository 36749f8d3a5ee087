package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events for downstream consumers (SIEM, alerting).
// Publish failures are logged and dropped, same fail-open posture as every
// other sink.
type KafkaSink struct {
	writer  kafkaWriter
	timeout time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, timeout: timeout}, nil
}

func (s *KafkaSink) Record(ctx context.Context, evt Event) {
	if s == nil || s.writer == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("security event sink: marshal failed: %v", err)
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(opCtx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: payload,
	}); err != nil {
		log.Printf("security event sink: kafka publish failed: %v", err)
	}
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
