// Package app assembles the ledger components from configuration for the
// binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/config"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/aggregate"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/infrastructure/kafka"
	"github.com/example/fintech-ledger/internal/infrastructure/natsjs"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/rs/zerolog/log"
)

// NewRegistry registers every ledger event and loads the legacy aliases
// file when one is configured.
func NewRegistry(aliasesFile string) (*codec.Registry, error) {
	registry := codec.NewRegistry()
	if err := errors.Join(account.Register(registry), escrow.Register(registry)); err != nil {
		return nil, fmt.Errorf("register events: %w", err)
	}
	if aliasesFile != "" {
		n, err := registry.LoadAliasesFile(aliasesFile)
		if err != nil {
			return nil, err
		}
		log.Info().Int("aliases", n).Str("file", aliasesFile).Msg("Loaded event aliases")
	}
	log.Debug().Strs("event_types", registry.Types()).Msg("Event registry built")
	return registry, nil
}

// Backend is an opened event and snapshot store. Reader is nil for backends
// without a global feed.
type Backend struct {
	Store  aggregate.Store
	Reader store.GlobalReader
	closer io.Closer
}

func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// OpenStore opens the configured backend. SQL schemas are created on open.
func OpenStore(ctx context.Context, cfg *config.Config, opts ...store.Option) (*Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		s := store.NewMemoryEventStore(opts...)
		return &Backend{Store: s, Reader: s}, nil

	case config.BackendDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		s := store.NewDynamoEventStore(client, cfg.DynamoEventsTable, cfg.DynamoSnapshotsTable, opts...)
		return &Backend{Store: s}, nil

	case config.BackendSQL:
		db, err := store.ConnectSQL(store.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", cfg.DatabaseDriver, err)
		}
		tables := store.Tables{Events: cfg.EventsTable, Snapshots: cfg.SnapshotsTable}
		s, err := store.NewSQLEventStore(db, store.Dialect(cfg.DatabaseDriver), tables, opts...)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Backend{Store: s, Reader: s, closer: db}, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

// Broker is a connected message broker
type Broker interface {
	store.Publisher
	// Consume feeds every published event to handler until ctx is done
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
	Close() error
}

// ConnectBroker connects the configured publisher. It returns nil when
// publishing is disabled.
func ConnectBroker(ctx context.Context, cfg *config.Config) (Broker, error) {
	switch cfg.Publisher {
	case config.PublisherNone:
		return nil, nil
	case config.PublisherKafka:
		return &kafkaBroker{
			Producer: kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic),
			cfg:      cfg,
		}, nil
	case config.PublisherNATS:
		natsCfg := natsjs.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.StreamName = cfg.NATSStream
		natsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
		p, err := natsjs.Connect(ctx, natsCfg)
		if err != nil {
			return nil, err
		}
		return &natsBroker{Publisher: p, durable: cfg.NATSDurable}, nil
	}
	return nil, fmt.Errorf("unsupported publisher %q", cfg.Publisher)
}

type kafkaBroker struct {
	*kafka.Producer
	cfg *config.Config
}

func (b *kafkaBroker) Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error {
	consumer := kafka.NewConsumer(b.cfg.KafkaBrokers, b.cfg.KafkaTopic, b.cfg.KafkaConsumerGroup)
	defer consumer.Close()
	return consumer.Consume(ctx, handler)
}

type natsBroker struct {
	*natsjs.Publisher
	durable string
}

func (b *natsBroker) Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error {
	return b.Subscribe(ctx, b.durable, handler)
}

// RepositoryOptions maps the snapshot settings onto repository options
func RepositoryOptions(cfg *config.Config) []aggregate.Option {
	return []aggregate.Option{
		aggregate.WithSnapshotEvery(cfg.SnapshotEvery),
		aggregate.WithSnapshotRetention(cfg.SnapshotKeep),
	}
}
