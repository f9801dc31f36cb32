package metrics

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// DialClickHouse opens a native ClickHouse connection for the metrics
// mirror. An empty addr means "no durable mirror configured" and returns
// (nil, nil) rather than an error, since ClickHouse is optional
// infrastructure.
func DialClickHouse(ctx context.Context, addr, database, username, password string) (clickhouse.Conn, error) {
	if addr == "" {
		return nil, nil
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, err
	}
	return conn, nil
}
