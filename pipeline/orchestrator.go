package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"flac2mp3/limiter"
	"flac2mp3/logging"
	"flac2mp3/metrics"
	"flac2mp3/models"
)

const (
	InputExt         = "flac"
	DefaultInputName = "audio.flac"

	recordTimeout = 10 * time.Second
)

// Source fetches the file identified by fileID into dst.
type Source interface {
	Fetch(ctx context.Context, fileID, dst string) error
}

// Sink hands a converted file back to the requester.
type Sink interface {
	Deliver(ctx context.Context, path, name, caption string) error
}

// Progress receives status updates while a request runs. Implementations
// must not block for long and handle their own errors.
type Progress interface {
	Report(ctx context.Context, ev ProgressEvent)
}

// Session bundles the per-request collaborators of one front-end. Progress
// may be nil.
type Session struct {
	Source   Source
	Sink     Sink
	Progress Progress
}

type Converter interface {
	Convert(ctx context.Context, input string) models.ConversionResult
}

type TempStore interface {
	NewPath(ext string) string
	Cleanup(paths ...string)
}

type Admitter interface {
	TryAdmit(ctx context.Context, userID int64) (limiter.Decision, error)
}

type Recorder interface {
	RecordConversion(ctx context.Context, entry models.ConversionLog) error
}

// Limits are the declared-size ceilings in MB. The transport ceiling is what
// the front-end can fetch at all; the application ceiling is policy.
type Limits struct {
	TransportMaxMB float64
	AppMaxMB       float64
}

// Orchestrator runs requests through admit, size check, stage, convert,
// deliver and record. It is safe for concurrent use.
type Orchestrator struct {
	converter Converter
	temp      TempStore
	limits    Limits
	admitter  Admitter
	recorder  Recorder
	logger    *slog.Logger
}

type Option func(*Orchestrator)

// WithAdmitter enables per-user rate limiting.
func WithAdmitter(a Admitter) Option {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithRecorder persists delivered conversions.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(converter Converter, temp TempStore, limits Limits, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		converter: converter,
		temp:      temp,
		limits:    limits,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Process runs one request to a terminal state. It never panics and never
// returns an error: every failure is folded into the Outcome.
func (o *Orchestrator) Process(ctx context.Context, req models.ConversionRequest, sess Session) (out Outcome) {
	if strings.TrimSpace(req.FileName) == "" {
		req.FileName = DefaultInputName
	}
	log := o.logger.With(
		slog.Int64("user_id", req.UserID),
		slog.String("file_name", req.FileName),
	)

	// failState is what a panic in the current step turns into.
	failState := StateFailedDownload

	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", slog.Any("panic", r), slog.String("state", string(failState)))
			err := fmt.Errorf("panic: %v", r)
			out = Outcome{
				State:   failState,
				Message: "Internal error while processing the file.",
				Err:     Wrap(markerFor(failState), "process", "", err),
			}
		}
		o.finish(ctx, req, sess, out, log)
	}()

	return o.run(ctx, req, sess, &failState)
}

func (o *Orchestrator) run(ctx context.Context, req models.ConversionRequest, sess Session, failState *State) Outcome {
	if out, ok := o.admit(ctx, req); !ok {
		return out
	}
	if out, ok := o.checkSize(req); !ok {
		return out
	}

	var paths []string
	defer func() { o.temp.Cleanup(paths...) }()

	sizeMB := req.SizeMB()
	input := o.temp.NewPath(InputExt)
	paths = append(paths, input)

	*failState = StateFailedDownload
	report(ctx, sess.Progress, ProgressEvent{Stage: StageDownloading, FileName: req.FileName, SizeMB: sizeMB})
	if err := sess.Source.Fetch(ctx, req.FileID, input); err != nil {
		return Outcome{
			State:   StateFailedDownload,
			Message: o.downloadMessage(err),
			Err:     Wrap(ErrDownloadFailed, "fetch", req.FileID, err),
		}
	}

	*failState = StateFailedConversion
	report(ctx, sess.Progress, ProgressEvent{Stage: StageConverting, FileName: req.FileName, SizeMB: sizeMB})
	result := o.converter.Convert(ctx, input)
	if result.OutputPath != "" {
		paths = append(paths, result.OutputPath)
	}
	if !result.Success {
		return Outcome{
			State:   StateFailedConversion,
			Message: "Conversion failed:\n" + result.Error,
			Result:  &result,
			Err:     Wrap(ErrConversionFailed, "transcode", "", errors.New(result.Error)),
		}
	}

	*failState = StateFailedDelivery
	name := OutputName(req.FileName)
	report(ctx, sess.Progress, ProgressEvent{Stage: StageUploading, FileName: name, SizeMB: result.ConvertedSizeMB})
	if err := sess.Sink.Deliver(ctx, result.OutputPath, name, Caption(name, result)); err != nil {
		return Outcome{
			State:      StateFailedDelivery,
			Message:    fmt.Sprintf("Failed to send the file: %v", err),
			Result:     &result,
			OutputName: name,
			Err:        Wrap(ErrDeliveryFailed, "deliver", name, err),
		}
	}

	return Outcome{
		State:      StateDelivered,
		Message:    Caption(name, result),
		Result:     &result,
		OutputName: name,
	}
}

func (o *Orchestrator) admit(ctx context.Context, req models.ConversionRequest) (Outcome, bool) {
	if o.admitter == nil {
		return Outcome{}, true
	}
	decision, err := o.admitter.TryAdmit(ctx, req.UserID)
	if err != nil {
		return Outcome{
			State:             StateRejectedRateLimited,
			Message:           "Rate limiting is temporarily unavailable, please try again later.",
			RetryAfterSeconds: decision.RetryAfterSeconds,
			Err:               fmt.Errorf("%w: %w", ErrRateLimited, err),
		}, false
	}
	if !decision.Admitted {
		return Outcome{
			State:             StateRejectedRateLimited,
			Message:           fmt.Sprintf("Too many requests. Please wait %d s and try again.", decision.RetryAfterSeconds),
			RetryAfterSeconds: decision.RetryAfterSeconds,
			Err:               fmt.Errorf("%w: retry in %ds", ErrRateLimited, decision.RetryAfterSeconds),
		}, false
	}
	return Outcome{}, true
}

func (o *Orchestrator) checkSize(req models.ConversionRequest) (Outcome, bool) {
	sizeErr := CheckSize(req.SizeMB(), o.limits)
	if sizeErr == nil {
		return Outcome{}, true
	}

	var msg string
	if sizeErr.Transport {
		msg = fmt.Sprintf("File %s is %.1f MB. Files larger than %g MB cannot be downloaded through the bot API.",
			req.FileName, sizeErr.SizeMB, sizeErr.LimitMB)
	} else {
		msg = fmt.Sprintf("File %s is %.1f MB, the limit is %g MB.", req.FileName, sizeErr.SizeMB, sizeErr.LimitMB)
	}
	return Outcome{State: StateRejectedTooLarge, Message: msg, Err: sizeErr}, false
}

// CheckSize compares sizeMB with both ceilings. When both are exceeded the
// smaller ceiling is reported. Non-positive ceilings are not enforced.
func CheckSize(sizeMB float64, limits Limits) *SizeLimitError {
	var found *SizeLimitError
	if limits.TransportMaxMB > 0 && sizeMB > limits.TransportMaxMB {
		found = &SizeLimitError{SizeMB: sizeMB, LimitMB: limits.TransportMaxMB, Transport: true}
	}
	if limits.AppMaxMB > 0 && sizeMB > limits.AppMaxMB {
		if found == nil || limits.AppMaxMB < found.LimitMB {
			found = &SizeLimitError{SizeMB: sizeMB, LimitMB: limits.AppMaxMB}
		}
	}
	return found
}

func (o *Orchestrator) downloadMessage(err error) string {
	if strings.Contains(strings.ToLower(err.Error()), "too big") {
		return fmt.Sprintf("The file is too big for the bot API (limit %g MB).", o.limits.TransportMaxMB)
	}
	return fmt.Sprintf("Download failed: %v", err)
}

func (o *Orchestrator) finish(ctx context.Context, req models.ConversionRequest, sess Session, out Outcome, log *slog.Logger) {
	metrics.ConversionsTotal.WithLabelValues(string(out.State)).Inc()

	if out.Delivered() {
		o.record(ctx, req, out.Result, log)
		report(ctx, sess.Progress, ProgressEvent{Stage: StageDone, FileName: out.OutputName})
		log.Info("conversion delivered",
			slog.String("output_name", out.OutputName),
			slog.Float64("original_mb", out.Result.OriginalSizeMB),
			slog.Float64("converted_mb", out.Result.ConvertedSizeMB),
			slog.Float64("duration_s", out.Result.Duration),
		)
		return
	}

	report(ctx, sess.Progress, ProgressEvent{Stage: StageFailed, FileName: req.FileName, Message: out.Message})
	if out.State.Rejected() {
		log.Debug("request rejected", slog.String("state", string(out.State)), logging.Error(out.Err))
		return
	}
	log.Warn("conversion failed", slog.String("state", string(out.State)), logging.Error(out.Err))
}

// record persists a delivered conversion. The request context may already be
// done once the file is out, so the write gets its own deadline.
func (o *Orchestrator) record(ctx context.Context, req models.ConversionRequest, result *models.ConversionResult, log *slog.Logger) {
	if o.recorder == nil || result == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := o.recorder.RecordConversion(rctx, models.ConversionLog{
		TelegramID:       req.UserID,
		OriginalFilename: req.FileName,
		OriginalSizeMB:   result.OriginalSizeMB,
		ConvertedSizeMB:  result.ConvertedSizeMB,
		DurationSeconds:  result.Duration,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		log.Error("failed to record conversion", logging.Error(err))
	}
}

func report(ctx context.Context, p Progress, ev ProgressEvent) {
	if p != nil {
		p.Report(ctx, ev)
	}
}

func markerFor(s State) error {
	switch s {
	case StateFailedConversion:
		return ErrConversionFailed
	case StateFailedDelivery:
		return ErrDeliveryFailed
	default:
		return ErrDownloadFailed
	}
}

// OutputName replaces the extension of the requester's file name with .mp3.
func OutputName(fileName string) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "audio"
	}
	return stem + ".mp3"
}

// Caption summarises a delivered conversion.
func Caption(name string, result models.ConversionResult) string {
	return fmt.Sprintf("%s\n%.1f MB → %.1f MB\n%.1f s",
		name, result.OriginalSizeMB, result.ConvertedSizeMB, result.Duration)
}
