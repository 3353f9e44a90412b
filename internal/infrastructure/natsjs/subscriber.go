package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	consumerAckWait = 30 * time.Second
	// redeliveryDelay spaces out retries of a message that failed, typically
	// one whose predecessor has not been projected yet
	redeliveryDelay = time.Second
)

// MessageHandler processes one message body
type MessageHandler func(ctx context.Context, key, value []byte) error

// Subscribe feeds every event on the stream to handler through a durable
// consumer until ctx is done. Failed messages are redelivered until they
// succeed, one message in flight at a time so versions arrive in order.
func (p *Publisher) Subscribe(ctx context.Context, durable string, handler MessageHandler) error {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, p.config.StreamName, consumerConfig(durable, p.config.SubjectPrefix))
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		handleMsg(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("start consumer %s: %w", durable, err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func consumerConfig(durable, subjectPrefix string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: subjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    -1,
		MaxAckPending: 1,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}
}

// ackable is the part of jetstream.Msg handleMsg needs
type ackable interface {
	Data() []byte
	Headers() nats.Header
	Subject() string
	Ack() error
	NakWithDelay(delay time.Duration) error
}

func handleMsg(ctx context.Context, msg ackable, handler MessageHandler) {
	key := []byte(msg.Headers().Get("Aggregate-ID"))
	if err := handler(ctx, key, msg.Data()); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("Error handling message")
		if err := msg.NakWithDelay(redeliveryDelay); err != nil {
			log.Error().Err(err).Msg("Failed to nak message")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		log.Error().Err(err).Msg("Failed to ack message")
	}
}
