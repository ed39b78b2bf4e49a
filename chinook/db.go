// Package chinook is the read-only record store over the Chinook SQLite
// database: schema listing, the gated query executor, and the customer
// lookup backing identity validation.
package chinook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
)

type Config struct {
	Path         string        `envconfig:"PATH" split_words:"true" default:"./Chinook.db"`
	QueryTimeout time.Duration `envconfig:"QUERY_TIMEOUT" split_words:"true" default:"10s"`
	MaxRows      int           `envconfig:"MAX_ROWS" split_words:"true" default:"200"`
}

// DB wraps a bun handle over the Chinook database.
type DB struct {
	bun          *bun.DB
	queryTimeout time.Duration
	maxRows      int
}

func Open(cfg Config) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("chinook db path is required")
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open chinook db: %w", err)
	}
	db := New(sqldb, cfg)

	if err := db.bun.Ping(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("ping chinook db: %w", err)
	}
	return db, nil
}

// New wraps an already open handle. Used by Open and by tests that seed an
// in-memory database.
func New(sqldb *sql.DB, cfg Config) *DB {
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 200
	}
	return &DB{
		bun:          bun.NewDB(sqldb, sqlitedialect.New()),
		queryTimeout: queryTimeout,
		maxRows:      maxRows,
	}
}

func (d *DB) Close() error {
	return d.bun.Close()
}

// Tables returns user table names for the schema summary handed to the model.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	var names []string
	err := d.bun.NewSelect().
		Table("sqlite_master").
		Column("name").
		Where("type = ?", "table").
		Where("name NOT LIKE ?", "sqlite_%").
		Order("name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

var _ contractx.RecordStore = (*DB)(nil)
