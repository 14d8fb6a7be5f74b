package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Pinger is what the health check needs from a store connection
type Pinger interface {
	PingContext(ctx context.Context) error
}

// InitPostgres opens a small, separate sqlx pool used for health checks so a
// saturated gorm pool does not report the database as down.
func InitPostgres(dsn string) (*sqlx.DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)

	for i := 0; i < 10; i++ {
		conn, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			conn.SetMaxOpenConns(2)
			return conn, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to connect to postgres (sqlx): %w", err)
}
