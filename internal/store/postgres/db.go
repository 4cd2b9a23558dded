package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/store/sqlstore"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Dialect is the sqlstore dialect for PostgreSQL.
var Dialect = sqlstore.Dialect{
	Name:       "postgres",
	Numbered:   true,
	LockSuffix: " FOR UPDATE",
	Classify:   classify,
}

// classify reports races between concurrent writers as ErrConflictingCreate
// so callers can retry once.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return domain.ErrConflictingCreate
	}
	return nil
}

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the realtime schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presence (
			user_id       TEXT    NOT NULL,
			device_id     TEXT    NOT NULL,
			display_name  TEXT    NOT NULL DEFAULT '',
			is_online     BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen_ns  BIGINT  NOT NULL,
			updated_at_ns BIGINT  NOT NULL,
			PRIMARY KEY (user_id, device_id)
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT   PRIMARY KEY,
			type                 TEXT   NOT NULL,
			created_at_ns        BIGINT NOT NULL,
			last_message_at_ns   BIGINT NOT NULL DEFAULT 0,
			last_message_preview TEXT   NOT NULL DEFAULT '',
			last_sequence        BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT    NOT NULL REFERENCES conversations(id),
			user_id         TEXT    NOT NULL,
			display_name    TEXT    NOT NULL DEFAULT '',
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_read_at_ns BIGINT  NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT   PRIMARY KEY,
			conversation_id TEXT   NOT NULL REFERENCES conversations(id),
			sequence        BIGINT NOT NULL,
			sender_id       TEXT   NOT NULL,
			sender_name     TEXT   NOT NULL DEFAULT '',
			content         TEXT   NOT NULL,
			sent_at_ns      BIGINT NOT NULL,
			idempotency_key TEXT,
			UNIQUE (conversation_id, sequence)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_presence_online ON presence(is_online, last_seen_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at_ns DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages(conversation_id, sender_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// Stores bundles the repositories backed by one database.
type Stores struct {
	Presence      *sqlstore.PresenceRepo
	Conversations *sqlstore.ConversationRepo
	Messages      *sqlstore.MessageRepo
}

func NewStores(db *sql.DB) Stores {
	return Stores{
		Presence:      sqlstore.NewPresenceRepo(db, Dialect),
		Conversations: sqlstore.NewConversationRepo(db, Dialect),
		Messages:      sqlstore.NewMessageRepo(db, Dialect),
	}
}
