// Package store is the Postgres repository for the CRM. All methods work
// against either the pool or an open transaction, so callers can group a
// page of writes atomically via WithTx.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	db   querier
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn with a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise, so a
// failed batch leaves no partial writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{pool: s.pool, db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id uuid PRIMARY KEY,
			name text NOT NULL,
			active boolean NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			id uuid PRIMARY KEY,
			name text NOT NULL,
			phone text NOT NULL UNIQUE,
			company text NOT NULL DEFAULT '',
			city text NOT NULL DEFAULT 'Cucuta',
			created_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id uuid PRIMARY KEY,
			client_id uuid NOT NULL REFERENCES clients(id),
			status text NOT NULL,
			assigned_agent_id uuid REFERENCES agents(id),
			outcome text NOT NULL,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL,
			closed_at timestamptz,
			reopened_count integer NOT NULL DEFAULT 0,
			last_message_at timestamptz NOT NULL,
			first_user_message_at timestamptz,
			first_agent_reply_at timestamptz,
			last_agent_reply_at timestamptz,
			summary_json jsonb,
			sentiment_label text,
			sentiment_score integer,
			tags text[],
			risk_flag boolean NOT NULL DEFAULT false,
			risk_reasons text[]
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id uuid PRIMARY KEY,
			conversation_id uuid NOT NULL REFERENCES conversations(id),
			sender text NOT NULL,
			text text NOT NULL,
			ts timestamptz NOT NULL,
			out_of_hours boolean NOT NULL DEFAULT false,
			provider text NOT NULL,
			provider_message_id text
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages(conversation_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_provider_id ON messages(conversation_id, provider, provider_message_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
