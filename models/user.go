package models

import "time"

type User struct {
	ID               int64     `json:"id"`
	TelegramID       int64     `json:"telegram_id"`
	Username         string    `json:"username,omitempty"`
	FirstName        string    `json:"first_name,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	TotalConversions int       `json:"total_conversions"`
}

// ConversionLog is one row of conversion history, written after a file was
// delivered.
type ConversionLog struct {
	TelegramID       int64     `json:"telegram_id"`
	OriginalFilename string    `json:"original_filename"`
	OriginalSizeMB   float64   `json:"original_size_mb"`
	ConvertedSizeMB  float64   `json:"converted_size_mb"`
	DurationSeconds  float64   `json:"duration_seconds"`
	CreatedAt        time.Time `json:"created_at"`
}
