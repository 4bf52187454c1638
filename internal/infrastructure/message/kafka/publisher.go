// Package kafka publishes step reports to a Kafka topic through sarama.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openeeap/rlactor/internal/infrastructure/message"
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/pkg/config"
	"github.com/openeeap/rlactor/pkg/errors"
)

// Recorder receives publication outcomes, e.g. a metrics.MetricsCollector
type Recorder interface {
	RecordPublish(topic string, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordPublish(string, error) {}

// Publisher sends each report as one JSON message keyed by run ID, so that
// every step of a run lands on the same partition in order
type Publisher struct {
	producer sarama.SyncProducer
	topic    string

	propagator propagation.TextMapPropagator
	logger     logging.Logger
	recorder   Recorder
}

var _ message.Publisher = (*Publisher)(nil)

// Option configures a Publisher
type Option func(*Publisher)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithRecorder sets the metrics sink
func WithRecorder(r Recorder) Option {
	return func(p *Publisher) { p.recorder = r }
}

// NewPublisher connects a synchronous producer to cfg.Brokers
func NewPublisher(cfg config.KafkaConfig, opts ...Option) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ValidationError("brokers cannot be empty")
	}
	saramaConfig, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSysPublishFailed.Code, "failed to create sync producer")
	}
	return NewPublisherWithProducer(producer, cfg.Topic, opts...), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		producer:   producer,
		topic:      topic,
		propagator: propagation.TraceContext{},
		logger:     logging.NewNoopLogger(),
		recorder:   noopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSaramaConfig translates the publisher configuration
func NewSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Net.DialTimeout = 10 * time.Second
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}

	switch cfg.Compression {
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
		sc.Version = sarama.V2_1_0_0
	default:
		return nil, errors.ValidationErrorf("unknown compression %q", cfg.Compression)
	}

	if err := sc.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrSysConfigurationError.Code, "invalid kafka producer configuration")
	}
	return sc, nil
}

// Publish sends one report and waits for the broker acknowledgement
func (p *Publisher) Publish(ctx context.Context, report *message.StepReport) error {
	if report == nil {
		return errors.ValidationError("report cannot be nil")
	}
	payload, err := Encode(report)
	if err != nil {
		p.recorder.RecordPublish(p.topic, err)
		return err
	}

	key := report.RunID
	if key == "" {
		key = uuid.NewString()
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Headers:   p.headers(ctx, report),
		Timestamp: report.Timestamp,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	p.recorder.RecordPublish(p.topic, err)
	if err != nil {
		p.logger.WithContext(ctx).Warn("Failed to publish step report",
			logging.String("topic", p.topic), logging.Int("step", report.Step), logging.Error(err))
		return errors.Wrap(err, errors.ErrSysPublishFailed.Code, fmt.Sprintf("failed to publish step %d", report.Step))
	}

	p.logger.WithContext(ctx).Debug("Step report published",
		logging.String("topic", p.topic),
		logging.Int("step", report.Step),
		logging.Int("partition", int(partition)),
		logging.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}

func (p *Publisher) headers(ctx context.Context, report *message.StepReport) []sarama.RecordHeader {
	carrier := headerCarrier{
		{Key: []byte("content-type"), Value: []byte("application/json")},
		{Key: []byte("rank"), Value: []byte(strconv.Itoa(report.Rank))},
	}
	p.propagator.Inject(ctx, &carrier)
	return carrier
}

// headerCarrier adapts record headers to otel propagation
type headerCarrier []sarama.RecordHeader

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if string(h.Key) == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = string(h.Key)
	}
	return keys
}

// ============================================================================
// Encoding
// ============================================================================

type wireReport struct {
	RunID      string                   `json:"run_id"`
	Rank       int                      `json:"rank"`
	Step       int                      `json:"step"`
	Mode       string                   `json:"mode"`
	Timestamp  time.Time                `json:"timestamp"`
	DurationMS float64                  `json:"duration_ms"`
	Metrics    map[string][]interface{} `json:"metrics"`
}

// Encode renders a report as JSON with non-finite values spelled out as
// strings
func Encode(report *message.StepReport) ([]byte, error) {
	payload, err := json.Marshal(wireReport{
		RunID:      report.RunID,
		Rank:       report.Rank,
		Step:       report.Step,
		Mode:       report.Mode,
		Timestamp:  report.Timestamp.UTC(),
		DurationMS: float64(report.Duration) / float64(time.Millisecond),
		Metrics:    message.SanitizeMetrics(report.Metrics),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternalError, "failed to encode step report")
	}
	return payload, nil
}

//Personal.AI order the ending
