// Package natsjs publishes committed events to NATS JetStream and feeds them
// back to projections.
package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int           // Number of replicas for the stream
	DuplicateWindow time.Duration // Window for duplicate detection
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "LEDGER_EVENTS",
		SubjectPrefix:   "ledger.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// msgPublisher is the part of jetstream.JetStream the publisher uses
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var _ store.Publisher = (*Publisher)(nil)

type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	pub    msgPublisher
	config Config
}

// Connect dials NATS and makes sure the event stream exists
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(cfg)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &Publisher{nc: nc, js: js, pub: js, config: cfg}, nil
}

func streamConfig(cfg Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Committed ledger events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(eventType string) string {
	return p.config.SubjectPrefix + "." + eventType
}

// MsgID identifies an event for JetStream duplicate detection
func MsgID(e store.Event) string {
	return e.AggregateID + ":" + strconv.FormatUint(e.AggregateVersion, 10)
}

// Publish sends each event with its aggregate version as the message id, so
// republishing the same event within the duplicate window is a no-op.
func (p *Publisher) Publish(ctx context.Context, events []store.Event) error {
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", MsgID(event), err)
		}

		msg := &nats.Msg{
			Subject: p.Subject(event.EventType),
			Data:    data,
			Header: nats.Header{
				nats.MsgIdHdr:  []string{MsgID(event)},
				"Event-Type":   []string{event.EventType},
				"Aggregate-ID": []string{event.AggregateID},
			},
		}

		ack, err := p.pub.PublishMsg(ctx, msg, jetstream.WithExpectStream(p.config.StreamName))
		if err != nil {
			return fmt.Errorf("publish %s to JetStream: %w", MsgID(event), err)
		}

		log.Debug().
			Str("subject", msg.Subject).
			Str("msg_id", MsgID(event)).
			Uint64("sequence", ack.Sequence).
			Bool("duplicate", ack.Duplicate).
			Msg("Published to JetStream")
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
