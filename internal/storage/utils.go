package storage

import (
	"context"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/sethvargo/go-retry"
)

// InitStore opens the metadata store, retrying while PostgreSQL starts up.
func InitStore(ctx context.Context, dbConnStr string) (*PostgresStore, error) {
	var store *PostgresStore
	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := NewPostgresStore(dbConnStr)
		if err != nil {
			log.GetLogger().Warnf("Metadata database not ready: %v", err)
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}
