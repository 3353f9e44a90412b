package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour of a SQLEventStore
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Tables names the event and snapshot tables of one bounded context
type Tables struct {
	Events    string
	Snapshots string
}

// DefaultTables are used when no bounded context is configured
var DefaultTables = Tables{Events: "stored_events", Snapshots: "snapshots"}

// TablesFor returns the table pair of a bounded context, e.g. "exchange"
// maps to exchange_events and exchange_snapshots.
func TablesFor(boundedContext string) Tables {
	return Tables{
		Events:    boundedContext + "_events",
		Snapshots: boundedContext + "_snapshots",
	}
}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func (t Tables) validate() error {
	if !identifier.MatchString(t.Events) || !identifier.MatchString(t.Snapshots) {
		return fmt.Errorf("invalid table names %q/%q", t.Events, t.Snapshots)
	}
	return nil
}

const eventColumns = `id, aggregate_uuid, aggregate_version, event_version, event_class, event_properties, meta_data, created_at`

// SQLEventStore stores events and snapshots in a relational database
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	tables  Tables
	opts    storeOptions
}

func NewSQLEventStore(db *sql.DB, dialect Dialect, tables Tables, opts ...Option) (*SQLEventStore, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLEventStore{db: db, dialect: dialect, tables: tables, opts: o}, nil
}

// Migrate creates the event and snapshot tables if they do not exist
func (es *SQLEventStore) Migrate(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, es.schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (es *SQLEventStore) schema() string {
	if es.dialect == DialectSQLite {
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    aggregate_uuid TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL CHECK (aggregate_version > 0),
    event_version INTEGER NOT NULL DEFAULT 1,
    event_class TEXT NOT NULL,
    event_properties TEXT NOT NULL,
    meta_data TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    UNIQUE (aggregate_uuid, aggregate_version)
);
CREATE INDEX IF NOT EXISTS %[1]s_event_class_idx ON %[1]s (event_class);

CREATE TABLE IF NOT EXISTS %[2]s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    aggregate_uuid TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    state TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (aggregate_uuid, aggregate_version)
);
CREATE INDEX IF NOT EXISTS %[2]s_aggregate_uuid_idx ON %[2]s (aggregate_uuid);
`, es.tables.Events, es.tables.Snapshots)
	}

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id BIGSERIAL PRIMARY KEY,
    aggregate_uuid VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL CHECK (aggregate_version > 0),
    event_version INTEGER NOT NULL DEFAULT 1,
    event_class VARCHAR(255) NOT NULL,
    event_properties JSON NOT NULL,
    meta_data JSON NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (aggregate_uuid, aggregate_version)
);
CREATE INDEX IF NOT EXISTS %[1]s_event_class_idx ON %[1]s (event_class);

CREATE TABLE IF NOT EXISTS %[2]s (
    id BIGSERIAL PRIMARY KEY,
    aggregate_uuid VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    state JSON NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (aggregate_uuid, aggregate_version)
);
CREATE INDEX IF NOT EXISTS %[2]s_aggregate_uuid_idx ON %[2]s (aggregate_uuid);
`, es.tables.Events, es.tables.Snapshots)
}

// timeArg renders a timestamp for the driver. SQLite has no native time type.
func (es *SQLEventStore) timeArg(t time.Time) any {
	if es.dialect == DialectSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t
}

// Append stores events in a single transaction if the stream is at expectedVersion
func (es *SQLEventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []NewEvent) ([]Event, error) {
	if err := validateAppend(aggregateID, events); err != nil {
		return nil, err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(aggregate_version), 0) FROM %s WHERE aggregate_uuid = $1`, es.tables.Events),
		aggregateID,
	).Scan(&current)
	if err != nil {
		return nil, unavailable("read version", err)
	}
	if current != expectedVersion {
		return nil, conflict(aggregateID, expectedVersion, current)
	}

	insert := fmt.Sprintf(
		`INSERT INTO %s (aggregate_uuid, aggregate_version, event_version, event_class, event_properties, meta_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`, es.tables.Events)

	now := es.opts.clock.Now().UTC()
	stored := make([]Event, len(events))
	for i, e := range events {
		ev := e.stored(aggregateID, expectedVersion+uint64(i)+1, now)
		metadata := ev.Metadata
		if len(metadata) == 0 {
			metadata = []byte("{}")
		}
		err := tx.QueryRowContext(ctx, insert,
			ev.AggregateID,
			ev.AggregateVersion,
			ev.EventVersion,
			ev.EventType,
			string(ev.Payload),
			string(metadata),
			es.timeArg(ev.RecordedAt),
		).Scan(&ev.Position)
		if err != nil {
			if isUniqueViolation(err) {
				_ = tx.Rollback()
				actual, _ := es.Version(ctx, aggregateID)
				return nil, conflict(aggregateID, expectedVersion, actual)
			}
			return nil, unavailable("insert event", err)
		}
		stored[i] = ev
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			actual, _ := es.Version(ctx, aggregateID)
			return nil, conflict(aggregateID, expectedVersion, actual)
		}
		return nil, unavailable("commit append", err)
	}

	publish(ctx, es.opts.publisher, stored)
	return stored, nil
}

// ReadStream pages through an aggregate's events. No connection is held
// while the caller consumes a page.
func (es *SQLEventStore) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64) iter.Seq2[Event, error] {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE aggregate_uuid = $1 AND aggregate_version > $2
		 ORDER BY aggregate_version ASC
		 LIMIT $3`, eventColumns, es.tables.Events)

	return func(yield func(Event, error) bool) {
		after := fromVersion
		for {
			page, err := es.queryEvents(ctx, query, aggregateID, after, es.opts.pageSize)
			if err != nil {
				yield(Event{}, unavailable("read stream", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < es.opts.pageSize {
				return
			}
			after = page[len(page)-1].AggregateVersion
		}
	}
}

// Version returns the current version of an aggregate
func (es *SQLEventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	var current uint64
	err := es.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(aggregate_version), 0) FROM %s WHERE aggregate_uuid = $1`, es.tables.Events),
		aggregateID,
	).Scan(&current)
	if err != nil {
		return 0, unavailable("read version", err)
	}
	return current, nil
}

// ReadAll returns events after a global position (for replay)
func (es *SQLEventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = es.opts.pageSize
	}
	events, err := es.queryEvents(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2`, eventColumns, es.tables.Events),
		afterPosition, limit,
	)
	if err != nil {
		return nil, unavailable("read all", err)
	}
	return events, nil
}

func (es *SQLEventStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                 Event
			payload, metadata []byte
			recordedAt        timestamp
		)
		if err := rows.Scan(&e.Position, &e.AggregateID, &e.AggregateVersion, &e.EventVersion,
			&e.EventType, &payload, &metadata, &recordedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.Metadata = metadata
		e.RecordedAt = recordedAt.Time
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveSnapshot upserts a snapshot. The snapshot version must already exist
// in the event stream.
func (es *SQLEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}

	var exists int
	err := es.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE aggregate_uuid = $1 AND aggregate_version = $2`, es.tables.Events),
		snapshot.AggregateID, snapshot.AggregateVersion,
	).Scan(&exists)
	if err != nil {
		return unavailable("check snapshot version", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: version %d of %s is not stored", ErrInvalidSnapshot, snapshot.AggregateVersion, snapshot.AggregateID)
	}

	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = es.opts.clock.Now().UTC()
	}
	_, err = es.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (aggregate_uuid, aggregate_version, state, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_uuid, aggregate_version)
		 DO UPDATE SET state = excluded.state, created_at = excluded.created_at`, es.tables.Snapshots),
		snapshot.AggregateID, snapshot.AggregateVersion, string(snapshot.State), es.timeArg(createdAt),
	)
	if err != nil {
		return unavailable("save snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot that is not ahead of the stream
func (es *SQLEventStore) LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var (
		s         Snapshot
		state     []byte
		createdAt timestamp
	)
	err := es.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT aggregate_uuid, aggregate_version, state, created_at FROM %[1]s
		 WHERE aggregate_uuid = $1
		   AND aggregate_version <= (SELECT COALESCE(MAX(aggregate_version), 0) FROM %[2]s WHERE aggregate_uuid = $1)
		 ORDER BY aggregate_version DESC
		 LIMIT 1`, es.tables.Snapshots, es.tables.Events),
		aggregateID,
	).Scan(&s.AggregateID, &s.AggregateVersion, &state, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("latest snapshot", err)
	}
	s.State = state
	s.CreatedAt = createdAt.Time
	return &s, nil
}

// PruneSnapshots keeps only the newest keep snapshots of an aggregate
func (es *SQLEventStore) PruneSnapshots(ctx context.Context, aggregateID string, keep int) error {
	_, err := es.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %[1]s
		 WHERE aggregate_uuid = $1
		   AND aggregate_version NOT IN (
		       SELECT aggregate_version FROM %[1]s WHERE aggregate_uuid = $1
		       ORDER BY aggregate_version DESC LIMIT $2)`, es.tables.Snapshots),
		aggregateID, max(keep, 0),
	)
	if err != nil {
		return unavailable("prune snapshots", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT // extended codes disabled
	}
	return false
}

// timestamp scans the time representations of both dialects
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v
	case int64:
		t.Time = time.Unix(0, v).UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *timestamp) parse(s string) error {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// ConnectSQL opens a database and configures the connection pool
func ConnectSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if dialect == DialectSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent appends
		db.SetMaxOpenConns(1)
		return db, nil
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
