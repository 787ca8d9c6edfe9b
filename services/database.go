package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flac2mp3/models"

	_ "github.com/lib/pq"
)

type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(30)
	db.SetMaxIdleConns(10)

	return &DatabaseService{db: db}, nil
}

// NewDatabaseServiceFromDB wraps an already opened handle.
func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db}
}

// Migrate creates the tables and indexes if they do not exist yet.
func (d *DatabaseService) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// EnsureUser registers a user on first contact. Existing rows are left as is.
func (d *DatabaseService) EnsureUser(ctx context.Context, user models.User) error {
	query := `INSERT INTO users (telegram_id, username, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO NOTHING`
	_, err := d.db.ExecContext(ctx, query, user.TelegramID, nullString(user.Username), nullString(user.FirstName))
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", user.TelegramID, err)
	}
	return nil
}

// TotalConversions returns the user's conversion counter, zero for unknown
// users.
func (d *DatabaseService) TotalConversions(ctx context.Context, telegramID int64) (int, error) {
	query := `SELECT total_conversions FROM users WHERE telegram_id = $1`
	var total int
	err := d.db.QueryRowContext(ctx, query, telegramID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load stats for %d: %w", telegramID, err)
	}
	return total, nil
}

// RecordConversion stores a conversion log row and bumps the user's counter
// in one transaction.
func (d *DatabaseService) RecordConversion(ctx context.Context, entry models.ConversionLog) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO conversion_logs
		(telegram_id, original_filename, original_size_mb, converted_size_mb, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, insert,
		entry.TelegramID,
		truncate(entry.OriginalFilename, 500),
		entry.OriginalSizeMB,
		entry.ConvertedSizeMB,
		entry.DurationSeconds,
		createdAt,
	); err != nil {
		return fmt.Errorf("failed to insert conversion log: %w", err)
	}

	update := `UPDATE users SET total_conversions = total_conversions + 1 WHERE telegram_id = $1`
	if _, err := tx.ExecContext(ctx, update, entry.TelegramID); err != nil {
		return fmt.Errorf("failed to increment conversion counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversion log: %w", err)
	}
	return nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
