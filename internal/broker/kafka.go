package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

const (
	kafkaWriteTimeout  = 3 * time.Second
	kafkaCommitTimeout = 3 * time.Second
)

// KafkaConfig addresses a topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is the consumer group of subscribers.
	GroupID string
}

func (c KafkaConfig) validate(needGroup bool) error {
	if len(c.Brokers) == 0 {
		return errors.New("broker: kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("broker: kafka topic is required")
	}
	if needGroup && c.GroupID == "" {
		return errors.New("broker: kafka group id is required")
	}
	return nil
}

// KafkaPublisher writes wake-ups to a Kafka topic keyed by task id.
type KafkaPublisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewKafkaPublisher returns a publisher for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	return &KafkaPublisher{
		writer: &kgo.Writer{
			Addr:         kgo.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireOne,
		},
		timeout: kafkaWriteTimeout,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, w WakeUp) error {
	b, err := w.Encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(strconv.FormatInt(w.TaskID, 10)),
		Value: b,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaSubscriber reads wake-ups from a consumer group with manual commits.
type KafkaSubscriber struct {
	reader *kgo.Reader
	logger *slog.Logger
}

// NewKafkaSubscriber joins cfg.GroupID on cfg.Topic.
func NewKafkaSubscriber(cfg KafkaConfig, logger *slog.Logger) (*KafkaSubscriber, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &KafkaSubscriber{reader: r, logger: logger}, nil
}

// Next returns the next valid wake-up. Malformed messages are committed and
// skipped so they cannot block the partition.
func (s *KafkaSubscriber) Next(ctx context.Context) (Delivery, error) {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, kgo.ErrGroupClosed) {
				return Delivery{}, ErrClosed
			}
			return Delivery{}, err
		}
		w, err := DecodeWakeUp(m.Value)
		if err != nil {
			s.logger.Warn("broker: dropping malformed wake-up",
				"partition", m.Partition, "offset", m.Offset, "error", err)
			if cerr := s.reader.CommitMessages(ctx, m); cerr != nil {
				return Delivery{}, cerr
			}
			continue
		}
		msg := m
		return Delivery{
			WakeUp: w,
			Commit: func(ctx context.Context) error {
				cctx, cancel := context.WithTimeout(ctx, kafkaCommitTimeout)
				defer cancel()
				return s.reader.CommitMessages(cctx, msg)
			},
		}, nil
	}
}

func (s *KafkaSubscriber) Close() error { return s.reader.Close() }
