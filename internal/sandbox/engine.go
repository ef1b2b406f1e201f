package sandbox

import (
	"context"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// resetSchemaSQL drops every non-system schema and recreates an empty public
// one. A single statement, so the wipe is atomic.
const resetSchemaSQL = `DO $$
DECLARE
	s name;
BEGIN
	FOR s IN SELECT nspname FROM pg_namespace
		WHERE nspname NOT LIKE 'pg\_%' AND nspname <> 'information_schema'
	LOOP
		EXECUTE format('DROP SCHEMA IF EXISTS %I CASCADE', s);
	END LOOP;
	CREATE SCHEMA public;
END
$$;`

// ScriptError is a PostgreSQL error raised by user SQL. Error returns only
// the server message, which is what step results display.
type ScriptError struct {
	Message  string
	Detail   string
	Hint     string
	Code     string
	Position int32
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Engine runs SQL against one sandbox database.
type Engine struct {
	name string
	pool *pgxpool.Pool
}

// Exec runs script with the simple protocol so it may hold several
// statements.
func (e *Engine) Exec(ctx context.Context, script string) error {
	if _, err := e.pool.Exec(ctx, script, pgx.QueryExecModeSimpleProtocol); err != nil {
		return scriptError(err)
	}
	return nil
}

func (e *Engine) Query(ctx context.Context, query string) (*models.QueryResult, error) {
	rows, err := e.pool.Query(ctx, query, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, scriptError(err)
	}
	defer rows.Close()

	result := &models.QueryResult{Columns: []string{}, Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, scriptError(err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, scriptError(err)
	}
	result.CommandTag = rows.CommandTag().String()
	return result, nil
}

// ResetSchema drops every object in the public schema.
func (e *Engine) ResetSchema(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, resetSchemaSQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return errors.Wrapf(err, "reset schema of %s", e.name)
	}
	return nil
}

func (e *Engine) close() {
	e.pool.Close()
}

func scriptError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ScriptError{
			Message:  pgErr.Message,
			Detail:   pgErr.Detail,
			Hint:     pgErr.Hint,
			Code:     pgErr.Code,
			Position: pgErr.Position,
		}
	}
	return err
}
