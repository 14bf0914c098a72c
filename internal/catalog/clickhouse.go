// Package catalog records closed persistence segments so saved runs can be
// found without walking the output directory.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/e7canasta/orion-acq/internal/config"
	"github.com/e7canasta/orion-acq/persist"
)

// Catalog stores one record per closed segment.
type Catalog interface {
	RecordSegment(ctx context.Context, instance string, seg persist.Segment) error
	Close() error
}

// Nop discards segment records. Used when no catalog is configured.
type Nop struct{}

func (Nop) RecordSegment(context.Context, string, persist.Segment) error { return nil }
func (Nop) Close() error                                                  { return nil }

const segmentsTable = `
CREATE TABLE IF NOT EXISTS segments (
	instance_id String,
	session     String,
	path        String,
	seg_index   UInt32,
	frames      UInt64,
	bytes       UInt64,
	opened      DateTime64(3),
	closed      DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (instance_id, session, seg_index)
`

const insertSegment = `
INSERT INTO segments (instance_id, session, path, seg_index, frames, bytes, opened, closed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// execer is the slice of driver.Conn the catalog uses.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// ClickHouse is a Catalog backed by a ClickHouse table.
type ClickHouse struct {
	conn execer
}

// Open connects to ClickHouse, pings it and creates the segments table.
func Open(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: ping ClickHouse: %w", err)
	}

	c := newClickHouse(conn)
	if err := c.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("catalog: connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database)
	return c, nil
}

func newClickHouse(conn execer) *ClickHouse { return &ClickHouse{conn: conn} }

// InitSchema creates the segments table if it does not exist.
func (c *ClickHouse) InitSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, segmentsTable); err != nil {
		return fmt.Errorf("catalog: create segments table: %w", err)
	}
	return nil
}

func (c *ClickHouse) RecordSegment(ctx context.Context, instance string, seg persist.Segment) error {
	err := c.conn.Exec(ctx, insertSegment,
		instance,
		seg.Session,
		seg.Path,
		uint32(seg.Index),
		uint64(seg.Frames),
		uint64(seg.Bytes),
		seg.Opened,
		seg.Closed,
	)
	if err != nil {
		return fmt.Errorf("catalog: insert segment %s: %w", seg.Path, err)
	}
	slog.Debug("catalog: segment recorded", "path", seg.Path, "frames", seg.Frames, "bytes", seg.Bytes)
	return nil
}

func (c *ClickHouse) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("catalog: close ClickHouse connection: %w", err)
	}
	slog.Info("catalog: ClickHouse connection closed")
	return nil
}

var _ execer = driver.Conn(nil)
