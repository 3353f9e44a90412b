package kinesis

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay forwards events committed to DynamoDB, as delivered through the
// table's Kinesis stream, to a broker publisher.
type Relay struct {
	publisher store.Publisher
	logger    zerolog.Logger
}

func NewRelay(publisher store.Publisher) *Relay {
	return &Relay{
		publisher: publisher,
		logger:    log.With().Str("component", "kinesis-relay").Logger(),
	}
}

// Handle publishes the batch in shard order. The first record that cannot be
// decoded or published stops the batch, and it and every record after it are
// reported as failed so Lambda retries from that sequence number.
func (r *Relay) Handle(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	var response events.KinesisEventResponse
	published := 0

	for i, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			r.logger.Error().Err(err).
				Str("record_id", record.EventID).
				Str("sequence_number", record.Kinesis.SequenceNumber).
				Msg("Failed to decode record")
			response.BatchItemFailures = failFrom(kinesisEvent.Records[i:])
			break
		}
		if event == nil {
			continue
		}

		if err := r.publisher.Publish(ctx, []store.Event{*event}); err != nil {
			r.logger.Error().Err(err).
				Str("aggregate_id", event.AggregateID).
				Uint64("version", event.AggregateVersion).
				Str("event_type", event.EventType).
				Msg("Failed to publish event")
			response.BatchItemFailures = failFrom(kinesisEvent.Records[i:])
			break
		}
		published++
	}

	r.logger.Info().
		Int("records", len(kinesisEvent.Records)).
		Int("published", published).
		Int("failed", len(response.BatchItemFailures)).
		Msg("Processed Kinesis batch")
	return response, nil
}

func failFrom(records []events.KinesisEventRecord) []events.KinesisBatchItemFailure {
	failures := make([]events.KinesisBatchItemFailure, 0, len(records))
	for _, record := range records {
		failures = append(failures, events.KinesisBatchItemFailure{ItemIdentifier: record.Kinesis.SequenceNumber})
	}
	return failures
}
