package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxTransactItems is the DynamoDB limit for a single TransactWriteItems call
const maxTransactItems = 100

// ErrBatchTooLarge is returned when an append does not fit in one transaction
var ErrBatchTooLarge = errors.New("too many events for a single append")

// DynamoAPI is the subset of the DynamoDB client used by DynamoEventStore
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoEventStore stores events in DynamoDB.
// Events are streamed to Kinesis Data Streams via the table's Kinesis integration.
type DynamoEventStore struct {
	client            DynamoAPI
	tableName         string
	snapshotTableName string
	opts              storeOptions
}

// dynamoEvent represents the DynamoDB item structure.
// Partition key aggregate_uuid, sort key aggregate_version.
type dynamoEvent struct {
	AggregateID      string `dynamodbav:"aggregate_uuid"`
	AggregateVersion uint64 `dynamodbav:"aggregate_version"`
	EventVersion     uint32 `dynamodbav:"event_version"`
	EventType        string `dynamodbav:"event_class"`
	Payload          string `dynamodbav:"event_properties"`
	Metadata         string `dynamodbav:"meta_data"`
	CreatedAt        string `dynamodbav:"created_at"`
}

func NewDynamoEventStore(client DynamoAPI, tableName, snapshotTableName string, opts ...Option) *DynamoEventStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &DynamoEventStore{
		client:            client,
		tableName:         tableName,
		snapshotTableName: snapshotTableName,
		opts:              o,
	}
}

func toDynamoEvent(e Event) dynamoEvent {
	metadata := string(e.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	return dynamoEvent{
		AggregateID:      e.AggregateID,
		AggregateVersion: e.AggregateVersion,
		EventVersion:     e.EventVersion,
		EventType:        e.EventType,
		Payload:          string(e.Payload),
		Metadata:         metadata,
		CreatedAt:        e.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (de dynamoEvent) event() (Event, error) {
	recordedAt, err := time.Parse(time.RFC3339Nano, de.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("parse created_at: %w", err)
	}
	return Event{
		AggregateID:      de.AggregateID,
		AggregateVersion: de.AggregateVersion,
		EventVersion:     de.EventVersion,
		EventType:        de.EventType,
		Payload:          json.RawMessage(de.Payload),
		Metadata:         json.RawMessage(de.Metadata),
		RecordedAt:       recordedAt,
	}, nil
}

// Append writes all events in one DynamoDB transaction. Every put is
// conditional on its (aggregate, version) key being free, which rejects
// concurrent writers that raced past the version check.
func (es *DynamoEventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []NewEvent) ([]Event, error) {
	if err := validateAppend(aggregateID, events); err != nil {
		return nil, err
	}
	if len(events) > maxTransactItems {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(events), maxTransactItems)
	}

	current, err := es.Version(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, conflict(aggregateID, expectedVersion, current)
	}

	now := es.opts.clock.Now().UTC()
	stored := make([]Event, len(events))
	items := make([]types.TransactWriteItem, len(events))
	for i, e := range events {
		ev := e.stored(aggregateID, expectedVersion+uint64(i)+1, now)
		av, err := attributevalue.MarshalMap(toDynamoEvent(ev))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		items[i] = types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_uuid) AND attribute_not_exists(aggregate_version)"),
			},
		}
		stored[i] = ev
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			actual, _ := es.Version(ctx, aggregateID)
			return nil, conflict(aggregateID, expectedVersion, actual)
		}
		return nil, unavailable("transact write events", err)
	}

	publish(ctx, es.opts.publisher, stored)
	return stored, nil
}

func isConditionFailure(err error) bool {
	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		for _, reason := range cancelled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var failed *types.ConditionalCheckFailedException
	return errors.As(err, &failed)
}

// Version queries for the current max version of an aggregate
func (es *DynamoEventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_uuid = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward:     aws.Bool(false), // Descending order
		Limit:                aws.Int32(1),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("aggregate_version"),
	})
	if err != nil {
		return 0, unavailable("query version", err)
	}

	if len(result.Items) == 0 {
		return 0, nil
	}

	var item struct {
		Version uint64 `dynamodbav:"aggregate_version"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, fmt.Errorf("unmarshal version: %w", err)
	}
	return item.Version, nil
}

// ReadStream pages through the aggregate partition in sort-key order
func (es *DynamoEventStore) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var startKey map[string]types.AttributeValue
		for {
			result, err := es.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(es.tableName),
				KeyConditionExpression: aws.String("aggregate_uuid = :aid AND aggregate_version > :ver"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":aid": &types.AttributeValueMemberS{Value: aggregateID},
					":ver": &types.AttributeValueMemberN{Value: strconv.FormatUint(fromVersion, 10)},
				},
				ScanIndexForward:  aws.Bool(true), // Ascending order by version
				ConsistentRead:    aws.Bool(true),
				Limit:             aws.Int32(int32(es.opts.pageSize)),
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				yield(Event{}, unavailable("query stream", err))
				return
			}

			for _, item := range result.Items {
				var de dynamoEvent
				if err := attributevalue.UnmarshalMap(item, &de); err != nil {
					yield(Event{}, fmt.Errorf("unmarshal event: %w", err))
					return
				}
				e, err := de.event()
				if err != nil {
					yield(Event{}, err)
					return
				}
				if !yield(e, nil) {
					return
				}
			}

			if len(result.LastEvaluatedKey) == 0 {
				return
			}
			startKey = result.LastEvaluatedKey
		}
	}
}

// dynamoSnapshot represents the DynamoDB item structure for snapshots.
// Stored in a separate table keyed by aggregate_uuid and aggregate_version.
type dynamoSnapshot struct {
	AggregateID      string `dynamodbav:"aggregate_uuid"`
	AggregateVersion uint64 `dynamodbav:"aggregate_version"`
	State            string `dynamodbav:"state"`
	CreatedAt        string `dynamodbav:"created_at"`
}

// SaveSnapshot overwrites the snapshot at the same key
func (es *DynamoEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}

	found, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(es.tableName),
		Key:                  versionKey(snapshot.AggregateID, snapshot.AggregateVersion),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("aggregate_version"),
	})
	if err != nil {
		return unavailable("check snapshot version", err)
	}
	if found.Item == nil {
		return fmt.Errorf("%w: version %d of %s is not stored", ErrInvalidSnapshot, snapshot.AggregateVersion, snapshot.AggregateID)
	}

	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = es.opts.clock.Now()
	}
	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		AggregateID:      snapshot.AggregateID,
		AggregateVersion: snapshot.AggregateVersion,
		State:            string(snapshot.State),
		CreatedAt:        createdAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = es.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(es.snapshotTableName),
		Item:      av,
	})
	if err != nil {
		return unavailable("put snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot not ahead of the stream
func (es *DynamoEventStore) LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	current, err := es.Version(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, nil
	}

	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.snapshotTableName),
		KeyConditionExpression: aws.String("aggregate_uuid = :aid AND aggregate_version <= :ver"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatUint(current, 10)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, unavailable("query snapshot", err)
	}
	if len(result.Items) == 0 {
		return nil, nil
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Items[0], &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, ds.CreatedAt)

	return &Snapshot{
		AggregateID:      ds.AggregateID,
		AggregateVersion: ds.AggregateVersion,
		State:            json.RawMessage(ds.State),
		CreatedAt:        createdAt,
	}, nil
}

// PruneSnapshots deletes all but the newest keep snapshots
func (es *DynamoEventStore) PruneSnapshots(ctx context.Context, aggregateID string, keep int) error {
	var (
		startKey map[string]types.AttributeValue
		seen     int
	)
	for {
		result, err := es.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(es.snapshotTableName),
			KeyConditionExpression: aws.String("aggregate_uuid = :aid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":aid": &types.AttributeValueMemberS{Value: aggregateID},
			},
			ScanIndexForward:     aws.Bool(false),
			ProjectionExpression: aws.String("aggregate_uuid, aggregate_version"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return unavailable("query snapshots", err)
		}

		for _, item := range result.Items {
			seen++
			if seen <= keep {
				continue
			}
			_, err := es.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(es.snapshotTableName),
				Key: map[string]types.AttributeValue{
					"aggregate_uuid":    item["aggregate_uuid"],
					"aggregate_version": item["aggregate_version"],
				},
			})
			if err != nil {
				return unavailable("delete snapshot", err)
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = result.LastEvaluatedKey
	}
}

func versionKey(aggregateID string, version uint64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"aggregate_uuid":    &types.AttributeValueMemberS{Value: aggregateID},
		"aggregate_version": &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
	}
}
