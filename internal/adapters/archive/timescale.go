// Package archive records every accepted envelope in TimescaleDB so a run can
// be audited independently of the broker.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type TimescaleArchive struct {
	db        *sql.DB
	tableName string
	insert    string
}

// Open connects to Postgres/TimescaleDB using lib/pq.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive ping: %w", err)
	}
	return db, nil
}

func NewTimescaleArchive(db *sql.DB, table string) (*TimescaleArchive, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("archive: invalid table name %q", table)
	}
	return &TimescaleArchive{
		db:        db,
		tableName: table,
		insert: "INSERT INTO " + table +
			" (seq, publisher_id, point_id, topic, payload, published_at) VALUES ($1,$2,$3,$4,$5,$6)" +
			" ON CONFLICT (publisher_id, point_id, seq, published_at) DO NOTHING",
	}, nil
}

func (a *TimescaleArchive) Name() string { return "timescaledb" }

// EnsureSchema creates the archive table and turns it into a hypertable when
// the timescaledb extension is available.
func (a *TimescaleArchive) EnsureSchema(ctx context.Context) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + a.tableName + ` (
	seq          BIGINT      NOT NULL,
	publisher_id TEXT        NOT NULL,
	point_id     TEXT        NOT NULL,
	topic        TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (publisher_id, point_id, seq, published_at)
)`
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	var hasTimescale bool
	row := a.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')")
	if err := row.Scan(&hasTimescale); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	if !hasTimescale {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, "SELECT create_hypertable($1, 'published_at', if_not_exists => TRUE)", a.tableName); err != nil {
		return fmt.Errorf("archive hypertable: %w", err)
	}
	return nil
}

// Record inserts env. Recording the same envelope twice is a no-op.
func (a *TimescaleArchive) Record(ctx context.Context, env domain.PublishedEnvelope) error {
	_, err := a.db.ExecContext(ctx, a.insert,
		int64(env.Seq),
		env.PublisherID,
		env.PointID,
		env.Topic,
		env.Payload,
		env.PublishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive record seq %d: %w", env.Seq, err)
	}
	return nil
}

var _ ports.Archive = (*TimescaleArchive)(nil)
