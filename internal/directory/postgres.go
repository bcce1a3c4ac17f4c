package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the optional durable backing for Store: a single
// pgxpool.Pool, a Migrate step run once at construction, and narrow
// per-table methods. Sessions carry an expiry column so a crashed
// instance's stale rows can be pruned even without a clean shutdown
// sweep.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, runs Migrate, and returns a Store
// ready for use. Close the returned store when done.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory: postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory: postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the Sessions and Connections tables if absent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS translator_sessions (
	id              TEXT PRIMARY KEY,
	source_language TEXT NOT NULL,
	state           TEXT NOT NULL,
	listener_count  BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS translator_connections (
	id              TEXT PRIMARY KEY,
	role            TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	target_language TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS translator_connections_session_lang_idx
	ON translator_connections (session_id, target_language);
`
	_, err := pool.Exec(ctx, ddl)
	return err
}

func (p *PostgresStore) SaveSession(ctx context.Context, snap Snapshot) error {
	const q = `
INSERT INTO translator_sessions (id, source_language, state, listener_count, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	listener_count = EXCLUDED.listener_count,
	expires_at = EXCLUDED.expires_at`
	_, err := p.pool.Exec(ctx, q, snap.ID, snap.SourceLanguage, string(snap.State), snap.ListenerCount, snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("directory: postgres store: save session: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM translator_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("directory: postgres store: delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveConnection(ctx context.Context, snap ConnectionSnapshot) error {
	const q = `
INSERT INTO translator_connections (id, role, session_id, target_language)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	role = EXCLUDED.role,
	target_language = EXCLUDED.target_language`
	_, err := p.pool.Exec(ctx, q, snap.ID, snap.Role, snap.SessionID, snap.TargetLanguage)
	if err != nil {
		return fmt.Errorf("directory: postgres store: save connection: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteConnection(ctx context.Context, connID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM translator_connections WHERE id = $1`, connID)
	if err != nil {
		return fmt.Errorf("directory: postgres store: delete connection: %w", err)
	}
	return nil
}

// PruneExpired deletes sessions past expiresAt, a belt-and-suspenders
// sweep for instances that crashed before ReapIdle could run.
func (p *PostgresStore) PruneExpired(ctx context.Context, now time.Time) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM translator_sessions WHERE expires_at < $1`, now)
	return err
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() { p.pool.Close() }
