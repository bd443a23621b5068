// Package store implements the relational repositories over Postgres (or
// SQLite for development and tests) using sqlx.
package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Open connects to the database behind the DSN. Postgres DSNs are the
// default; file: and :memory: DSNs select the embedded SQLite driver.
func Open(dsn string) (*sqlx.DB, error) {
	driver := "postgres"
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") || dsn == ":memory:" {
		driver = "sqlite"
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	log.Info().Str("driver", driver).Msg("Database connection established")
	return db, nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS chats (
	id BIGSERIAL PRIMARY KEY,
	tenant_id BIGINT NOT NULL,
	channel TEXT NOT NULL,
	remote_identity TEXT NOT NULL,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	group_id TEXT,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_ref TEXT,
	status TEXT NOT NULL DEFAULT 'new',
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_message_text TEXT,
	last_message_at TIMESTAMP,
	last_message_from_client BOOLEAN NOT NULL DEFAULT FALSE,
	assigned_agent TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_identity ON chats (tenant_id, channel, remote_identity) WHERE is_group = FALSE;
CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_group ON chats (tenant_id, channel, group_id) WHERE is_group = TRUE;

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	chat_id BIGINT NOT NULL REFERENCES chats(id),
	remote_message_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'text',
	media_ref TEXT,
	is_from_client BOOLEAN NOT NULL DEFAULT FALSE,
	delivery_status TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_remote ON messages (chat_id, remote_message_id) WHERE remote_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_messages_chat ON messages (chat_id, created_at);

CREATE TABLE IF NOT EXISTS channel_bindings (
	id BIGSERIAL PRIMARY KEY,
	provider_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	tenant_id BIGINT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	instance_name TEXT NOT NULL DEFAULT '',
	connected BOOLEAN NOT NULL DEFAULT FALSE,
	qr_asset_ref TEXT,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (channel, provider_key)
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS chats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id INTEGER NOT NULL,
	channel TEXT NOT NULL,
	remote_identity TEXT NOT NULL,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	group_id TEXT,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_ref TEXT,
	status TEXT NOT NULL DEFAULT 'new',
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_message_text TEXT,
	last_message_at TIMESTAMP,
	last_message_from_client BOOLEAN NOT NULL DEFAULT FALSE,
	assigned_agent TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_identity ON chats (tenant_id, channel, remote_identity) WHERE is_group = FALSE;
CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_group ON chats (tenant_id, channel, group_id) WHERE is_group = TRUE;

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL REFERENCES chats(id),
	remote_message_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'text',
	media_ref TEXT,
	is_from_client BOOLEAN NOT NULL DEFAULT FALSE,
	delivery_status TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_remote ON messages (chat_id, remote_message_id) WHERE remote_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_messages_chat ON messages (chat_id, created_at);

CREATE TABLE IF NOT EXISTS channel_bindings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	tenant_id INTEGER NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	instance_name TEXT NOT NULL DEFAULT '',
	connected BOOLEAN NOT NULL DEFAULT FALSE,
	qr_asset_ref TEXT,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (channel, provider_key)
);
`

// InitSchema creates the tables and indexes if they do not exist yet.
func InitSchema(db *sqlx.DB) error {
	schema := schemaPostgres
	if db.DriverName() == "sqlite" {
		schema = schemaSQLite
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
