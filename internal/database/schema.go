package database

import (
	"context"
	"fmt"
)

// Dialect carries the statements that differ between the supported drivers
type Dialect struct {
	Driver       string
	InsertIgnore string
	Schema       []string
}

var mysqlDialect = Dialect{
	Driver:       "mysql",
	InsertIgnore: "INSERT IGNORE INTO",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(32) NOT NULL PRIMARY KEY,
			title VARCHAR(200) NULL,
			created_at DATETIME(6) NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(32) NOT NULL PRIMARY KEY,
			conversation_id VARCHAR(32) NOT NULL,
			parent_id VARCHAR(32) NULL,
			role VARCHAR(32) NOT NULL,
			content_text LONGTEXT NULL,
			model VARCHAR(200) NULL,
			model_key VARCHAR(64) NULL,
			system_prompt LONGTEXT NULL,
			temperature DOUBLE NULL,
			max_tokens INT NULL,
			upstream_id VARCHAR(100) NULL,
			raw_request_gzip LONGBLOB NULL,
			raw_response_gzip LONGBLOB NULL,
			prompt_tokens INT NULL,
			completion_tokens INT NULL,
			total_tokens INT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'completed',
			error_text LONGTEXT NULL,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			INDEX ix_messages_conversation (conversation_id),
			INDEX ix_messages_started_at (started_at),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_streams (
			id VARCHAR(32) NOT NULL PRIMARY KEY,
			message_id VARCHAR(32) NOT NULL,
			raw_sse_gzip LONGBLOB NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX ix_message_streams_message (message_id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		)`,
	},
}

var sqliteDialect = Dialect{
	Driver:       "sqlite",
	InsertIgnore: "INSERT OR IGNORE INTO",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT NOT NULL PRIMARY KEY,
			title TEXT NULL,
			created_at DATETIME NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			parent_id TEXT NULL,
			role TEXT NOT NULL,
			content_text TEXT NULL,
			model TEXT NULL,
			model_key TEXT NULL,
			system_prompt TEXT NULL,
			temperature REAL NULL,
			max_tokens INTEGER NULL,
			upstream_id TEXT NULL,
			raw_request_gzip BLOB NULL,
			raw_response_gzip BLOB NULL,
			prompt_tokens INTEGER NULL,
			completion_tokens INTEGER NULL,
			total_tokens INTEGER NULL,
			status TEXT NOT NULL DEFAULT 'completed',
			error_text TEXT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_messages_conversation ON messages (conversation_id)`,
		`CREATE INDEX IF NOT EXISTS ix_messages_started_at ON messages (started_at)`,
		`CREATE TABLE IF NOT EXISTS message_streams (
			id TEXT NOT NULL PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			raw_sse_gzip BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_message_streams_message ON message_streams (message_id)`,
	},
}

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite":
		return sqliteDialect, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// Migrate creates any missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed running migration: %w", err)
		}
	}
	return nil
}
