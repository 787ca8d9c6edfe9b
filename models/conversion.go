package models

import "time"

// ConversionRequest describes one inbound file. It lives for a single
// orchestrator run.
type ConversionRequest struct {
	UserID   int64  `json:"userId"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// SizeMB returns the declared size in binary megabytes.
func (r ConversionRequest) SizeMB() float64 {
	return BytesToMB(r.FileSize)
}

// ConversionResult is the outcome of a single transcoder run.
type ConversionResult struct {
	Success         bool    `json:"success"`
	InputPath       string  `json:"input_path"`
	OutputPath      string  `json:"output_path"`
	OriginalSizeMB  float64 `json:"original_size_mb"`
	ConvertedSizeMB float64 `json:"converted_size_mb"`
	Duration        float64 `json:"duration"`
	Error           string  `json:"error,omitempty"`
}

// ConversionJob is the JSON payload pushed onto the pending queue by
// producers that stage their inputs in S3.
type ConversionJob struct {
	JobID     string    `json:"jobId"`
	UserID    int64     `json:"userId"`
	InputKey  string    `json:"inputKey"`
	OutputKey string    `json:"outputKey"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// Request converts the job into an orchestrator request. The S3 key doubles
// as the file identifier handed to the source.
func (j ConversionJob) Request() ConversionRequest {
	return ConversionRequest{
		UserID:   j.UserID,
		FileID:   j.InputKey,
		FileName: j.FileName,
		FileSize: j.FileSize,
	}
}

// BytesPerMB is one binary megabyte.
const BytesPerMB = 1024 * 1024

// BytesToMB converts a byte count to binary megabytes.
func BytesToMB(n int64) float64 {
	return float64(n) / BytesPerMB
}
