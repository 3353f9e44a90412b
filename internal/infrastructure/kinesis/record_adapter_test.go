package kinesis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventImage(aggregateID string, version string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"aggregate_uuid":    events.NewStringAttribute(aggregateID),
		"aggregate_version": events.NewNumberAttribute(version),
		"event_version":     events.NewNumberAttribute("2"),
		"event_class":       events.NewStringAttribute("AccountOpened"),
		"event_properties":  events.NewStringAttribute(`{"currency":"EUR"}`),
		"meta_data":         events.NewStringAttribute(`{"actor":"alice"}`),
		"created_at":        events.NewStringAttribute("2024-01-15T10:30:00.123456789Z"),
	}
}

func TestConvertDynamoDBImage(t *testing.T) {
	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantErr bool
	}{
		{
			name:    "valid event",
			image:   eventImage("acc-456", "3"),
			wantErr: false,
		},
		{
			name:    "nil image",
			image:   nil,
			wantErr: true,
		},
		{
			name: "missing required fields",
			image: map[string]events.DynamoDBAttributeValue{
				"aggregate_uuid": events.NewStringAttribute("acc-456"),
			},
			wantErr: true,
		},
		{
			name: "bad timestamp",
			image: func() map[string]events.DynamoDBAttributeValue {
				img := eventImage("acc-456", "3")
				img["created_at"] = events.NewStringAttribute("yesterday")
				return img
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, "acc-456", event.AggregateID)
			assert.Equal(t, uint64(3), event.AggregateVersion)
			assert.Equal(t, uint32(2), event.EventVersion)
			assert.Equal(t, "AccountOpened", event.EventType)
			assert.JSONEq(t, `{"currency":"EUR"}`, string(event.Payload))
			assert.JSONEq(t, `{"actor":"alice"}`, string(event.Metadata))

			expectedTime, _ := time.Parse(time.RFC3339Nano, "2024-01-15T10:30:00.123456789Z")
			assert.True(t, event.RecordedAt.Equal(expectedTime))
		})
	}
}

func TestConvertDynamoDBImage_DefaultsEventVersion(t *testing.T) {
	img := eventImage("acc-1", "1")
	delete(img, "event_version")

	event, err := convertDynamoDBImage(img)

	require.NoError(t, err)
	assert.Equal(t, uint32(1), event.EventVersion)
}

func TestConvertFromKinesisRecord(t *testing.T) {
	t.Run("valid Kinesis record", func(t *testing.T) {
		dynamoRecord := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: eventImage("acc-456", "7")},
		}

		dynamoRecordJSON, err := json.Marshal(dynamoRecord)
		require.NoError(t, err)

		kinesisRecord := events.KinesisEventRecord{
			EventID: "kinesis-event-1",
			Kinesis: events.KinesisRecord{
				Data: dynamoRecordJSON,
			},
		}

		event, err := ConvertFromKinesisRecord(kinesisRecord)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, uint64(7), event.AggregateVersion)
	})

	for _, name := range []string{"MODIFY", "REMOVE"} {
		t.Run(name+" record returns nil", func(t *testing.T) {
			data, err := json.Marshal(events.DynamoDBEventRecord{EventName: name})
			require.NoError(t, err)

			event, err := ConvertFromKinesisRecord(events.KinesisEventRecord{Kinesis: events.KinesisRecord{Data: data}})
			require.NoError(t, err)
			assert.Nil(t, event)
		})
	}

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ConvertFromKinesisRecord(events.KinesisEventRecord{Kinesis: events.KinesisRecord{Data: []byte("invalid json")}})
		assert.Error(t, err)
	})
}
