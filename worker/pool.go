// Package worker consumes conversion jobs from a Redis list. Inputs and
// outputs live in S3; the conversion itself runs through the pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"flac2mp3/logging"
	"flac2mp3/metrics"
	"flac2mp3/models"
	"flac2mp3/pipeline"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusProcessing = "processing"
)

// Storage moves job files between S3 and local disk.
type Storage interface {
	Download(ctx context.Context, key string, localPath string) error
	Upload(ctx context.Context, localPath string, key string, metadata map[string]string) error
}

type Processor interface {
	Process(ctx context.Context, req models.ConversionRequest, sess pipeline.Session) pipeline.Outcome
}

type Options struct {
	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	// StatusKeyPrefix is prepended to the job id to form the status hash key.
	StatusKeyPrefix string
	StatusTTL       time.Duration

	JobTimeout    time.Duration
	PopTimeout    time.Duration
	StaleAfter    time.Duration
	RecoveryEvery time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.StatusKeyPrefix == "" {
		o.StatusKeyPrefix = "conversion:status:"
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 24 * time.Hour
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.RecoveryEvery <= 0 {
		o.RecoveryEvery = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

type Pool struct {
	rdb       redis.Cmdable
	processor Processor
	storage   Storage
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewPool(rdb redis.Cmdable, processor Processor, storage Storage, opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		rdb:       rdb,
		processor: processor,
		storage:   storage,
		opts:      opts,
		logger:    opts.Logger.With("component", "worker"),
		now:       time.Now,
	}
}

// startedKey is the hash mapping raw payloads in processing to the time a
// worker picked them up.
func (p *Pool) startedKey() string {
	return p.opts.ProcessingQueue + ":started"
}

// StatusKey returns the Redis hash holding the status of jobID.
func (p *Pool) StatusKey(jobID string) string {
	return p.opts.StatusKeyPrefix + jobID
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.logger.With(slog.Int("worker_id", workerID))
	log.Info("worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
		}

		if err := p.processNext(ctx, log); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("redis error", logging.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// processNext waits for one job and runs it. A pop timeout is not an error.
func (p *Pool) processNext(ctx context.Context, log *slog.Logger) error {
	// Atomic pop from pending and push to processing
	raw, err := p.rdb.BRPopLPush(ctx, p.opts.PendingQueue, p.opts.ProcessingQueue, p.opts.PopTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	var job models.ConversionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.InputKey == "" {
		log.Warn("dropping malformed job", slog.String("payload", truncate(raw, 200)), logging.Error(err))
		p.rdb.LRem(ctx, p.opts.ProcessingQueue, 1, raw)
		metrics.QueueJobsTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	p.processJob(ctx, log, job, raw)
	return nil
}

func (p *Pool) processJob(ctx context.Context, log *slog.Logger, job models.ConversionJob, raw string) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.FileName == "" {
		job.FileName = path.Base(job.InputKey)
	}
	if job.OutputKey == "" {
		job.OutputKey = path.Join(path.Dir(job.InputKey), pipeline.OutputName(job.FileName))
	}
	log = log.With(slog.String("job_id", job.JobID), slog.String("input_key", job.InputKey))
	log.Info("processing job")

	startedAt := p.now().UTC().Format(time.RFC3339)
	if err := p.rdb.HSet(ctx, p.startedKey(), raw, startedAt).Err(); err != nil {
		log.Warn("failed to record job start", logging.Error(err))
	}
	p.setStatus(ctx, job.JobID, map[string]interface{}{
		"status":     StatusProcessing,
		"started_at": startedAt,
	})

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	sess := pipeline.Session{
		Source: &s3Source{storage: p.storage},
		Sink:   &s3Sink{storage: p.storage, key: job.OutputKey, jobID: job.JobID},
	}
	out := p.processor.Process(jobCtx, job.Request(), sess)

	// Whoever removes the job from processing owns its terminal entry.
	// Recovery may have moved it already.
	removed, err := p.rdb.LRem(ctx, p.opts.ProcessingQueue, 1, raw).Result()
	if err != nil {
		log.Error("failed to remove job from processing queue", logging.Error(err))
	}
	p.rdb.HDel(ctx, p.startedKey(), raw)

	fields := map[string]interface{}{
		"state":      string(out.State),
		"message":    out.Message,
		"updated_at": p.now().UTC().Format(time.RFC3339),
	}
	if out.Delivered() {
		fields["status"] = StatusCompleted
		fields["output_key"] = job.OutputKey
		metrics.QueueJobsTotal.WithLabelValues(StatusCompleted).Inc()
		log.Info("job completed", slog.String("output_key", job.OutputKey))
	} else {
		fields["status"] = StatusFailed
		if out.RetryAfterSeconds > 0 {
			fields["retry_after"] = out.RetryAfterSeconds
		}
		if removed > 0 {
			p.rdb.LPush(ctx, p.opts.FailedQueue, raw)
		}
		metrics.QueueJobsTotal.WithLabelValues(StatusFailed).Inc()
		log.Warn("job failed", slog.String("state", string(out.State)), logging.Error(out.Err))
	}
	p.setStatus(ctx, job.JobID, fields)
}

func (p *Pool) setStatus(ctx context.Context, jobID string, fields map[string]interface{}) {
	key := p.StatusKey(jobID)
	if err := p.rdb.HSet(ctx, key, fields).Err(); err != nil {
		p.logger.Warn("failed to update job status", slog.String("job_id", jobID), logging.Error(err))
		return
	}
	p.rdb.Expire(ctx, key, p.opts.StatusTTL)
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RecoveryEvery)
	defer ticker.Stop()

	p.logger.Info("starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recovery loop shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx)
		}
	}
}

// recoverStaleJobs moves jobs stuck in processing for longer than StaleAfter
// to the failed queue. Age is measured from the recorded start time, falling
// back to the job's creation time. Jobs with neither are left alone.
func (p *Pool) recoverStaleJobs(ctx context.Context) int {
	jobs, err := p.rdb.LRange(ctx, p.opts.ProcessingQueue, 0, -1).Result()
	if err != nil {
		p.logger.Error("failed to read processing queue", logging.Error(err))
		return 0
	}

	recovered := 0
	for _, raw := range jobs {
		var job models.ConversionJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		started, ok := p.startedAt(ctx, job, raw)
		if !ok || p.now().Sub(started) <= p.opts.StaleAfter {
			continue
		}

		removed, err := p.rdb.LRem(ctx, p.opts.ProcessingQueue, 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		p.rdb.HDel(ctx, p.startedKey(), raw)
		p.rdb.LPush(ctx, p.opts.FailedQueue, raw)
		if job.JobID != "" {
			p.setStatus(ctx, job.JobID, map[string]interface{}{
				"status":     StatusFailed,
				"message":    fmt.Sprintf("job exceeded %s in processing", p.opts.StaleAfter),
				"updated_at": p.now().UTC().Format(time.RFC3339),
			})
		}
		recovered++
	}

	if recovered > 0 {
		metrics.QueueRecoveredTotal.Add(float64(recovered))
		p.logger.Warn("moved stale jobs to failed queue", slog.Int("count", recovered))
	}
	return recovered
}

func (p *Pool) startedAt(ctx context.Context, job models.ConversionJob, raw string) (time.Time, bool) {
	if t, ok := p.parseTime(ctx, p.startedKey(), raw); ok {
		return t, true
	}
	if job.JobID != "" {
		if t, ok := p.parseTime(ctx, p.StatusKey(job.JobID), "started_at"); ok {
			return t, true
		}
	}
	return job.CreatedAt, !job.CreatedAt.IsZero()
}

func (p *Pool) parseTime(ctx context.Context, key, field string) (time.Time, bool) {
	v, err := p.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

type s3Source struct {
	storage Storage
}

func (s *s3Source) Fetch(ctx context.Context, key, dst string) error {
	return s.storage.Download(ctx, key, dst)
}

type s3Sink struct {
	storage Storage
	key     string
	jobID   string
}

// Deliver uploads the MP3. Object metadata must be ASCII, so the name and
// caption are query-escaped.
func (s *s3Sink) Deliver(ctx context.Context, localPath, name, caption string) error {
	return s.storage.Upload(ctx, localPath, s.key, map[string]string{
		"job-id":    s.jobID,
		"file-name": url.QueryEscape(name),
		"caption":   url.QueryEscape(caption),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
