package services

// schemaStatements mirror the initial migration: users keyed by Telegram id
// and an append-only conversion history.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		telegram_id BIGINT NOT NULL,
		username VARCHAR(255),
		first_name VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_conversions INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ix_users_telegram_id ON users (telegram_id)`,
	`CREATE TABLE IF NOT EXISTS conversion_logs (
		id SERIAL PRIMARY KEY,
		telegram_id BIGINT NOT NULL,
		original_filename VARCHAR(500) NOT NULL,
		original_size_mb DOUBLE PRECISION NOT NULL,
		converted_size_mb DOUBLE PRECISION NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_conversion_logs_telegram_id ON conversion_logs (telegram_id)`,
}
