package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/LionelRostand/neorent-sub005/internal/store/sqlstore"
)

// Dialect is the sqlstore dialect for SQLite. Writers are serialized by the
// single connection, so no row locking clause is needed.
var Dialect = sqlstore.Dialect{Name: "sqlite"}

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite allows a single writer anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	pragmas := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, `PRAGMA journal_mode = WAL;`)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return db, nil
}

// Migrate creates the realtime schema. Every statement is idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presence (
			user_id       TEXT    NOT NULL,
			device_id     TEXT    NOT NULL,
			display_name  TEXT    NOT NULL DEFAULT '',
			is_online     BOOLEAN NOT NULL DEFAULT 0,
			last_seen_ns  INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT    PRIMARY KEY,
			type                 TEXT    NOT NULL,
			created_at_ns        INTEGER NOT NULL,
			last_message_at_ns   INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT    NOT NULL DEFAULT '',
			last_sequence        INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT    NOT NULL,
			user_id         TEXT    NOT NULL,
			display_name    TEXT    NOT NULL DEFAULT '',
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_read_at_ns INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT    PRIMARY KEY,
			conversation_id TEXT    NOT NULL,
			sequence        INTEGER NOT NULL,
			sender_id       TEXT    NOT NULL,
			sender_name     TEXT    NOT NULL DEFAULT '',
			content         TEXT    NOT NULL,
			sent_at_ns      INTEGER NOT NULL,
			idempotency_key TEXT,
			UNIQUE (conversation_id, sequence),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_presence_online ON presence(is_online, last_seen_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at_ns DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages(conversation_id, sender_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL;`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
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
