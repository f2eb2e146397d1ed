// publisher.go - Publishes verification events to Kafka.

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/zkledger/transferproof/internal/chain"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Publisher is a chain.EventSink writing one JSON record per event, keyed by
// the journal digest.
type Publisher struct {
	kcl    KafkaClient
	topic  string
	logger zerolog.Logger
}

func NewPublisher(kafkaClient KafkaClient, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{kcl: kafkaClient, topic: topic, logger: logger}
}

// Publish produces the event and waits for the broker acknowledgement or ctx.
func (p *Publisher) Publish(ctx context.Context, event chain.Event) error {
	record, err := createRecord(p.topic, event)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	p.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("producing event record: %w", err)
		}
		p.logger.Debug().Str("kind", event.Kind).Str("digest", event.Digest.String()).Msg("event published")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func createRecord(topic string, event chain.Event) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshalling event to json: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   append([]byte(nil), event.Digest[:]...),
		Value: payload,
	}, nil
}

// NewKafkaClient connects to brokers with producer metrics registered on reg.
func NewKafkaClient(brokers []string, topic, namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*kgo.Client, error) {
	kafkaMetrics := kprom.NewMetrics(namespace,
		kprom.Registerer(reg),
		kprom.Gatherer(gatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.DefaultProduceTopic(topic),
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return kcl, nil
}
