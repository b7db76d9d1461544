package notify

import (
	"context"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 5 * time.Second

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher returns a RedisPublisher. An empty channel means DefaultTopic.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultTopic
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.Publish.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	return errors.Wrap(p.client.Publish(cctx, p.channel, data).Err(), "redis publish")
}

// NATSPublisher publishes events as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher returns a NATSPublisher. An empty subject means DefaultTopic.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultTopic
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Publish implements Publisher.Publish.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return err
	}
	return errors.Wrap(p.conn.Publish(p.subject, data), "nats publish")
}

// KafkaPublisher publishes events to a Kafka topic keyed by product id, so
// events of one product stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, cfg *sarama.Config, topic string) (*KafkaPublisher, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return NewKafkaPublisherFromProducer(producer, topic), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish implements Publisher.Publish.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.ProductID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = p.producer.SendMessage(msg)
	return errors.Wrap(err, "kafka publish")
}

// Close releases the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
