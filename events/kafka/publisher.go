// Package kafka publishes ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/meridian/bunkerledger/events"
)

// Publisher writes ledger events to a single topic. Messages are keyed by
// contract id so consumers observe events for one contract in order.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ContractID),
		Value: data,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
