package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
)

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to store.Event.
// DynamoDB Kinesis integration sends records in DynamoDB Streams format.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}

	// Only INSERTs are new events; the store never updates or deletes them
	if dynamoDBRecord.EventName != "INSERT" {
		return nil, nil
	}

	return convertDynamoDBImage(dynamoDBRecord.Change.NewImage)
}

// convertDynamoDBImage reads the attributes written by DynamoEventStore
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	event := &store.Event{EventVersion: 1}

	if v, ok := image["aggregate_uuid"]; ok {
		event.AggregateID = v.String()
	}
	if v, ok := image["event_class"]; ok {
		event.EventType = v.String()
	}
	if v, ok := image["event_properties"]; ok {
		event.Payload = json.RawMessage(v.String())
	}
	if v, ok := image["meta_data"]; ok {
		event.Metadata = json.RawMessage(v.String())
	}
	if v, ok := image["created_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		event.RecordedAt = t
	}
	if v, ok := image["aggregate_version"]; ok {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse aggregate_version: %w", err)
		}
		event.AggregateVersion = uint64(version)
	}
	if v, ok := image["event_version"]; ok {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse event_version: %w", err)
		}
		event.EventVersion = uint32(version)
	}

	if event.AggregateID == "" || event.EventType == "" || event.AggregateVersion == 0 {
		return nil, fmt.Errorf("missing required fields: aggregate_uuid=%s, event_class=%s, aggregate_version=%d",
			event.AggregateID, event.EventType, event.AggregateVersion)
	}

	return event, nil
}
