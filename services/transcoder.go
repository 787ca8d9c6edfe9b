package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"flac2mp3/limiter"
	"flac2mp3/logging"
	"flac2mp3/metrics"
	"flac2mp3/models"

	"github.com/google/uuid"
)

const (
	TargetExt     = "mp3"
	TargetBitrate = "320k"

	stderrTailChars = 500
)

// Transcoder runs ffmpeg to turn one input file into a 320k MP3. Runs are
// bounded by the shared gate.
type Transcoder struct {
	binary  string
	workDir string
	gate    *limiter.Gate
	logger  *slog.Logger
}

func NewTranscoder(binary, workDir string, gate *limiter.Gate, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transcoder{
		binary:  binary,
		workDir: workDir,
		gate:    gate,
		logger:  logger.With("component", "transcoder"),
	}
}

// CheckBinary resolves the configured ffmpeg binary.
func (t *Transcoder) CheckBinary() (string, error) {
	path, err := exec.LookPath(t.binary)
	if err != nil {
		return "", fmt.Errorf("transcoder binary %q not found: %w", t.binary, err)
	}
	return path, nil
}

// Args returns the ffmpeg argument vector (without the binary) converting
// input to output. Video and cover-art streams are dropped and container
// metadata is copied into ID3v2.3 tags.
func Args(input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", TargetBitrate,
		"-map_metadata", "0",
		"-id3v2_version", "3",
		output,
	}
}

// OutputPath derives a fresh output path from the input's base name.
func (t *Transcoder) OutputPath(input string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(t.workDir, fmt.Sprintf("%s_%s.%s", stem, suffix, TargetExt))
}

// Convert transcodes input. It never returns an error: failures are reported
// through the result, whose OutputPath is set whenever ffmpeg may have
// written a partial file.
func (t *Transcoder) Convert(ctx context.Context, input string) models.ConversionResult {
	result := models.ConversionResult{InputPath: input}

	permit, err := t.gate.Acquire(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("waiting for a conversion slot: %v", err)
		return result
	}
	defer permit.Release()

	start := time.Now()
	result.OutputPath = t.OutputPath(input)

	info, err := os.Stat(input)
	if err != nil {
		result.Duration = time.Since(start).Seconds()
		result.Error = fmt.Sprintf("failed to stat input: %v", err)
		metrics.TranscodeResults.WithLabelValues("failure").Inc()
		return result
	}
	result.OriginalSizeMB = models.BytesToMB(info.Size())

	cmd := exec.CommandContext(ctx, t.binary, Args(input, result.OutputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	result.Duration = time.Since(start).Seconds()
	metrics.TranscodeDuration.Observe(result.Duration)

	if runErr != nil {
		tail := stderrTail(stderr.Bytes(), stderrTailChars)
		switch {
		case ctx.Err() != nil:
			result.Error = fmt.Sprintf("conversion aborted: %v", ctx.Err())
		case tail != "":
			result.Error = tail
		default:
			result.Error = runErr.Error()
		}
		metrics.TranscodeResults.WithLabelValues("failure").Inc()
		t.logger.Warn("ffmpeg failed",
			slog.String("input", input),
			slog.Float64("duration_s", result.Duration),
			logging.Error(runErr),
		)
		return result
	}

	outInfo, err := os.Stat(result.OutputPath)
	if err != nil {
		result.Error = fmt.Sprintf("ffmpeg exited cleanly but the output is unreadable: %v", err)
		metrics.TranscodeResults.WithLabelValues("failure").Inc()
		return result
	}

	result.Success = true
	result.ConvertedSizeMB = models.BytesToMB(outInfo.Size())
	metrics.TranscodeResults.WithLabelValues("success").Inc()
	t.logger.Debug("ffmpeg finished",
		slog.String("input", input),
		slog.Float64("original_mb", result.OriginalSizeMB),
		slog.Float64("converted_mb", result.ConvertedSizeMB),
		slog.Float64("duration_s", result.Duration),
	)
	return result
}

// stderrTail decodes b as UTF-8, replacing invalid sequences, and keeps the
// last n characters.
func stderrTail(b []byte, n int) string {
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
