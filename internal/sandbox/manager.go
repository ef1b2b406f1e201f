// Package sandbox gives every pg-explore database its own PostgreSQL
// database on a shared server.
package sandbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

const (
	databasePrefix = "pgexplore_"
	maxIdentLen    = 63
	// Sandboxes are used by one evaluation at a time.
	maxConnsPerSandbox = 2
)

// Manager creates, caches and drops sandbox databases. It implements
// service.EngineProvider.
type Manager struct {
	admin   *pgxpool.Pool
	config  *pgxpool.Config
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager connects to the server named by connStr. The connection's
// database is only used to create and drop sandboxes.
func NewManager(ctx context.Context, connStr string) (*Manager, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse sandbox connection string")
	}
	admin, err := connect(ctx, config.Copy())
	if err != nil {
		return nil, err
	}
	return &Manager{
		admin:   admin,
		config:  config,
		engines: make(map[string]*Engine),
	}, nil
}

// Engine returns the engine of databaseID, creating its sandbox database on
// first use.
func (m *Manager) Engine(ctx context.Context, databaseID string) (service.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[databaseID]; ok {
		return e, nil
	}
	name := DatabaseName(databaseID)
	var exists bool
	if err := m.admin.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return nil, errors.Wrapf(err, "look up sandbox %s", name)
	}
	if !exists {
		log.GetLogger().Infof("Creating sandbox database %s", name)
		if _, err := m.admin.Exec(ctx, "CREATE DATABASE "+quoteIdentifier(name)); err != nil {
			return nil, errors.Wrapf(err, "create sandbox %s", name)
		}
	}

	config := m.config.Copy()
	config.ConnConfig.Database = name
	config.MaxConns = maxConnsPerSandbox
	pool, err := connect(ctx, config)
	if err != nil {
		return nil, err
	}
	e := &Engine{name: name, pool: pool}
	m.engines[databaseID] = e
	return e, nil
}

// Drop closes the engine of databaseID and drops its sandbox database.
func (m *Manager) Drop(ctx context.Context, databaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[databaseID]; ok {
		e.close()
		delete(m.engines, databaseID)
	}
	name := DatabaseName(databaseID)
	if _, err := m.admin.Exec(ctx, "DROP DATABASE IF EXISTS "+quoteIdentifier(name)+" WITH (FORCE)"); err != nil {
		return errors.Wrapf(err, "drop sandbox %s", name)
	}
	log.GetLogger().Infof("Dropped sandbox database %s", name)
	return nil
}

// Close releases every pool. Sandbox databases are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.engines {
		e.close()
		delete(m.engines, id)
	}
	m.admin.Close()
}

// DatabaseName maps a database id to its sandbox database name.
func DatabaseName(databaseID string) string {
	var b strings.Builder
	b.WriteString(databasePrefix)
	for _, r := range strings.ToLower(databaseID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}
	return name
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// connect opens a pool and waits for the server to answer.
func connect(ctx context.Context, config *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrapf(err, "open pool for %s", config.ConnConfig.Database)
	}
	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			log.GetLogger().Debugf("Waiting for %s: %v", config.ConnConfig.Database, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, "connect to %s", config.ConnConfig.Database)
	}
	return pool, nil
}
