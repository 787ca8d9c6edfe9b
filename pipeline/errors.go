package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"flac2mp3/limiter"
)

var (
	ErrTooLarge         = errors.New("file too large")
	ErrRateLimited      = errors.New("rate limited")
	ErrDownloadFailed   = errors.New("download failed")
	ErrConversionFailed = errors.New("conversion failed")
	ErrDeliveryFailed   = errors.New("delivery failed")

	// ErrStoreUnavailable marks rate-limit store failures. Requests are
	// rejected while the store is unreachable.
	ErrStoreUnavailable = limiter.ErrStoreUnavailable
)

// Wrap tags err with marker and a short step description so callers can
// classify it with errors.Is.
func Wrap(marker error, step, message string, err error) error {
	detail := strings.TrimSpace(step)
	if message = strings.TrimSpace(message); message != "" {
		if detail != "" {
			detail += ": "
		}
		detail += message
	}
	if detail == "" {
		detail = "pipeline failure"
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// SizeLimitError reports which ceiling a declared size exceeded. It matches
// ErrTooLarge.
type SizeLimitError struct {
	SizeMB    float64
	LimitMB   float64
	Transport bool
}

func (e *SizeLimitError) Error() string {
	kind := "application"
	if e.Transport {
		kind = "transport"
	}
	return fmt.Sprintf("%.1f MB exceeds the %s limit of %g MB", e.SizeMB, kind, e.LimitMB)
}

func (e *SizeLimitError) Unwrap() error { return ErrTooLarge }
