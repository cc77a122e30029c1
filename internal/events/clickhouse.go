package events

import (
	"context"
	"fmt"
	"regexp"

	"otp-service/internal/models"
)

// RowWriter is satisfied by client.ClickHouseClient.
type RowWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	AppendStruct(ctx context.Context, query string, v interface{}) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

const createTableQuery = `CREATE TABLE IF NOT EXISTS %s (
	id String,
	type LowCardinality(String),
	phone_key String,
	client_id String,
	reason LowCardinality(String),
	consumed Bool,
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (type, occurred_at)
TTL toDateTime(occurred_at) + INTERVAL 90 DAY`

type ClickHousePublisher struct {
	writer RowWriter
	table  string
}

func NewClickHousePublisher(writer RowWriter, table string) (*ClickHousePublisher, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHousePublisher{writer: writer, table: table}, nil
}

// EnsureSchema creates the events table when it does not exist.
func (p *ClickHousePublisher) EnsureSchema(ctx context.Context) error {
	if err := p.writer.Exec(ctx, fmt.Sprintf(createTableQuery, p.table)); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.table, err)
	}
	return nil
}

func (p *ClickHousePublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	if err := p.writer.AppendStruct(ctx, "INSERT INTO "+p.table, event); err != nil {
		return fmt.Errorf("clickhouse publish: %w", err)
	}
	return nil
}
