package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"flac2mp3/limiter"
	"flac2mp3/models"
)

type fakeTemp struct {
	mu       sync.Mutex
	next     int
	created  []string
	cleanups [][]string
}

func (f *fakeTemp) NewPath(ext string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	p := filepath.Join("/scratch", fmt.Sprintf("%d.%s", f.next, ext))
	f.created = append(f.created, p)
	return p
}

func (f *fakeTemp) Cleanup(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, append([]string(nil), paths...))
}

type fakeSource struct {
	err    error
	gotID  string
	gotDst string
}

func (f *fakeSource) Fetch(_ context.Context, fileID, dst string) error {
	f.gotID, f.gotDst = fileID, dst
	return f.err
}

type fakeSink struct {
	err        error
	calls      int
	gotPath    string
	gotName    string
	gotCaption string
}

func (f *fakeSink) Deliver(_ context.Context, path, name, caption string) error {
	f.calls++
	f.gotPath, f.gotName, f.gotCaption = path, name, caption
	return f.err
}

type fakeProgress struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (f *fakeProgress) Report(_ context.Context, ev ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeProgress) stages() []Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Stage, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Stage)
	}
	return out
}

type fakeConverter struct {
	result models.ConversionResult
	panic  bool
	calls  int
}

func (f *fakeConverter) Convert(_ context.Context, input string) models.ConversionResult {
	f.calls++
	if f.panic {
		panic("boom")
	}
	res := f.result
	res.InputPath = input
	if res.OutputPath == "" {
		res.OutputPath = strings.TrimSuffix(input, ".flac") + "_abcd1234.mp3"
	}
	return res
}

type fakeAdmitter struct {
	decision limiter.Decision
	err      error
}

func (f *fakeAdmitter) TryAdmit(context.Context, int64) (limiter.Decision, error) {
	return f.decision, f.err
}

type fakeRecorder struct {
	err     error
	entries []models.ConversionLog
}

func (f *fakeRecorder) RecordConversion(_ context.Context, entry models.ConversionLog) error {
	f.entries = append(f.entries, entry)
	return f.err
}

type harness struct {
	temp      *fakeTemp
	source    *fakeSource
	sink      *fakeSink
	progress  *fakeProgress
	converter *fakeConverter
	recorder  *fakeRecorder
	orch      *Orchestrator
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		temp:     &fakeTemp{},
		source:   &fakeSource{},
		sink:     &fakeSink{},
		progress: &fakeProgress{},
		converter: &fakeConverter{result: models.ConversionResult{
			Success:         true,
			OriginalSizeMB:  30,
			ConvertedSizeMB: 10,
			Duration:        4.5,
		}},
		recorder: &fakeRecorder{},
	}
	opts = append([]Option{WithRecorder(h.recorder)}, opts...)
	h.orch = NewOrchestrator(h.converter, h.temp, Limits{TransportMaxMB: 20, AppMaxMB: 50}, opts...)
	return h
}

func (h *harness) session() Session {
	return Session{Source: h.source, Sink: h.sink, Progress: h.progress}
}

func request(sizeMB float64) models.ConversionRequest {
	return models.ConversionRequest{
		UserID:   42,
		FileID:   "file-1",
		FileName: "song.flac",
		FileSize: int64(sizeMB * 1024 * 1024),
	}
}

func TestProcess_Delivered(t *testing.T) {
	h := newHarness()

	out := h.orch.Process(context.Background(), request(15), h.session())

	if out.State != StateDelivered {
		t.Fatalf("expected delivered, got %s (%v)", out.State, out.Err)
	}
	if out.Err != nil {
		t.Fatalf("unexpected error %v", out.Err)
	}
	if out.OutputName != "song.mp3" || h.sink.gotName != "song.mp3" {
		t.Fatalf("unexpected output name %q / %q", out.OutputName, h.sink.gotName)
	}
	if h.sink.gotCaption != "song.mp3\n30.0 MB → 10.0 MB\n4.5 s" {
		t.Fatalf("unexpected caption %q", h.sink.gotCaption)
	}
	if h.source.gotID != "file-1" || h.source.gotDst != h.temp.created[0] {
		t.Fatalf("source fetched %q into %q", h.source.gotID, h.source.gotDst)
	}
	if !strings.HasSuffix(h.source.gotDst, ".flac") {
		t.Fatalf("expected staged .flac path, got %s", h.source.gotDst)
	}

	if len(h.temp.cleanups) != 1 {
		t.Fatalf("expected exactly one cleanup, got %d", len(h.temp.cleanups))
	}
	if got := h.temp.cleanups[0]; len(got) != 2 || got[0] != h.source.gotDst || got[1] != h.sink.gotPath {
		t.Fatalf("cleanup got %v", got)
	}

	if len(h.recorder.entries) != 1 {
		t.Fatalf("expected one record, got %d", len(h.recorder.entries))
	}
	entry := h.recorder.entries[0]
	if entry.TelegramID != 42 || entry.OriginalFilename != "song.flac" || entry.ConvertedSizeMB != 10 {
		t.Fatalf("unexpected record %+v", entry)
	}

	want := []Stage{StageDownloading, StageConverting, StageUploading, StageDone}
	if got := h.progress.stages(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("progress stages %v, want %v", got, want)
	}
}

func TestProcess_TooLargeStopsBeforeStaging(t *testing.T) {
	h := newHarness()

	out := h.orch.Process(context.Background(), request(25), h.session())

	if out.State != StateRejectedTooLarge {
		t.Fatalf("expected too large, got %s", out.State)
	}
	if !errors.Is(out.Err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", out.Err)
	}
	var sizeErr *SizeLimitError
	if !errors.As(out.Err, &sizeErr) || !sizeErr.Transport || sizeErr.LimitMB != 20 {
		t.Fatalf("expected transport ceiling, got %+v", sizeErr)
	}
	if !strings.Contains(out.Message, "25.0 MB") {
		t.Fatalf("message should carry the size: %q", out.Message)
	}
	if len(h.temp.created) != 0 || len(h.temp.cleanups) != 0 {
		t.Fatalf("nothing should be staged: created=%v cleanups=%v", h.temp.created, h.temp.cleanups)
	}
	if h.converter.calls != 0 || h.sink.calls != 0 {
		t.Fatal("no conversion or delivery expected")
	}
	if got := h.progress.stages(); len(got) != 1 || got[0] != StageFailed {
		t.Fatalf("expected a single failure report, got %v", got)
	}
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		name      string
		size      float64
		limits    Limits
		wantLimit float64
		transport bool
	}{
		{"within both", 10, Limits{TransportMaxMB: 20, AppMaxMB: 50}, 0, false},
		{"exactly at ceiling", 20, Limits{TransportMaxMB: 20, AppMaxMB: 50}, 0, false},
		{"transport only", 25, Limits{TransportMaxMB: 20, AppMaxMB: 50}, 20, true},
		{"both, transport tighter", 60, Limits{TransportMaxMB: 20, AppMaxMB: 50}, 20, true},
		{"app only", 15, Limits{TransportMaxMB: 2000, AppMaxMB: 10}, 10, false},
		{"both, app tighter", 3000, Limits{TransportMaxMB: 2000, AppMaxMB: 50}, 50, false},
		{"unknown size", 0, Limits{TransportMaxMB: 20, AppMaxMB: 50}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckSize(tt.size, tt.limits)
			if tt.wantLimit == 0 {
				if got != nil {
					t.Fatalf("expected no violation, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected violation")
			}
			if got.LimitMB != tt.wantLimit || got.Transport != tt.transport {
				t.Fatalf("got limit %g transport=%v", got.LimitMB, got.Transport)
			}
		})
	}
}

func TestProcess_RateLimited(t *testing.T) {
	h := newHarness(WithAdmitter(&fakeAdmitter{decision: limiter.Decision{RetryAfterSeconds: 2}}))

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateRejectedRateLimited {
		t.Fatalf("expected rate limited, got %s", out.State)
	}
	if out.RetryAfterSeconds != 2 || !strings.Contains(out.Message, "2 s") {
		t.Fatalf("unexpected retry hint %d / %q", out.RetryAfterSeconds, out.Message)
	}
	if !errors.Is(out.Err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", out.Err)
	}
	if len(h.temp.created) != 0 || h.converter.calls != 0 {
		t.Fatal("rejected requests must not stage or convert")
	}
}

func TestProcess_RateLimitStoreDownFailsClosed(t *testing.T) {
	storeErr := fmt.Errorf("%w: set throttle:42: connection refused", limiter.ErrStoreUnavailable)
	h := newHarness(WithAdmitter(&fakeAdmitter{decision: limiter.Decision{RetryAfterSeconds: 2}, err: storeErr}))

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateRejectedRateLimited {
		t.Fatalf("expected rejection, got %s", out.State)
	}
	if !errors.Is(out.Err, ErrStoreUnavailable) || !errors.Is(out.Err, ErrRateLimited) {
		t.Fatalf("expected both markers, got %v", out.Err)
	}
	if !strings.Contains(out.Message, "unavailable") {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if h.converter.calls != 0 {
		t.Fatal("conversion must not run while the store is down")
	}
}

func TestProcess_DownloadFailure(t *testing.T) {
	h := newHarness()
	h.source.err = errors.New("connection reset by peer")

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateFailedDownload || !errors.Is(out.Err, ErrDownloadFailed) {
		t.Fatalf("expected download failure, got %s / %v", out.State, out.Err)
	}
	if !strings.Contains(out.Message, "connection reset by peer") {
		t.Fatalf("expected raw error text, got %q", out.Message)
	}
	if len(h.temp.cleanups) != 1 || len(h.temp.cleanups[0]) != 1 || h.temp.cleanups[0][0] != h.temp.created[0] {
		t.Fatalf("expected staged path cleaned once, got %v", h.temp.cleanups)
	}
	if h.converter.calls != 0 {
		t.Fatal("conversion must not run after a failed download")
	}
	if len(h.recorder.entries) != 0 {
		t.Fatal("failed requests are not recorded")
	}
}

func TestProcess_DownloadTooBigHint(t *testing.T) {
	h := newHarness()
	h.source.err = errors.New("Bad Request: file is too big")

	out := h.orch.Process(context.Background(), request(0), h.session())

	if out.State != StateFailedDownload {
		t.Fatalf("expected download failure, got %s", out.State)
	}
	if !strings.Contains(out.Message, "20 MB") {
		t.Fatalf("expected transport hint, got %q", out.Message)
	}
}

func TestProcess_ConversionFailure(t *testing.T) {
	h := newHarness()
	h.converter.result = models.ConversionResult{Error: "Invalid data found"}

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateFailedConversion || !errors.Is(out.Err, ErrConversionFailed) {
		t.Fatalf("expected conversion failure, got %s / %v", out.State, out.Err)
	}
	if !strings.Contains(out.Message, "Invalid data found") {
		t.Fatalf("expected stderr in message, got %q", out.Message)
	}
	if out.Result == nil || out.Result.Success {
		t.Fatalf("expected failed result attached, got %+v", out.Result)
	}
	if len(h.temp.cleanups) != 1 || len(h.temp.cleanups[0]) != 2 {
		t.Fatalf("expected staged and output paths cleaned once, got %v", h.temp.cleanups)
	}
	if h.sink.calls != 0 {
		t.Fatal("nothing should be delivered")
	}
}

func TestProcess_DeliveryFailure(t *testing.T) {
	h := newHarness()
	h.sink.err = errors.New("Request Entity Too Large")

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateFailedDelivery || !errors.Is(out.Err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %s / %v", out.State, out.Err)
	}
	if len(h.temp.cleanups) != 1 || len(h.temp.cleanups[0]) != 2 {
		t.Fatalf("expected both paths cleaned once, got %v", h.temp.cleanups)
	}
	if len(h.recorder.entries) != 0 {
		t.Fatal("undelivered files are not recorded")
	}
	stages := h.progress.stages()
	if stages[len(stages)-1] != StageFailed {
		t.Fatalf("expected final failure report, got %v", stages)
	}
}

func TestProcess_PanicStillCleansUp(t *testing.T) {
	h := newHarness()
	h.converter.panic = true

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateFailedConversion || !errors.Is(out.Err, ErrConversionFailed) {
		t.Fatalf("expected conversion failure from panic, got %s / %v", out.State, out.Err)
	}
	if len(h.temp.cleanups) != 1 {
		t.Fatalf("expected one cleanup after panic, got %d", len(h.temp.cleanups))
	}
}

func TestProcess_RecordFailureIsNotSurfaced(t *testing.T) {
	h := newHarness()
	h.recorder.err = errors.New("database is down")

	out := h.orch.Process(context.Background(), request(5), h.session())

	if out.State != StateDelivered || out.Err != nil {
		t.Fatalf("expected delivered, got %s / %v", out.State, out.Err)
	}
}

func TestProcess_DefaultsFileNameAndAllowsNilProgress(t *testing.T) {
	h := newHarness()
	req := request(1)
	req.FileName = ""

	out := h.orch.Process(context.Background(), req, Session{Source: h.source, Sink: h.sink})

	if out.State != StateDelivered || out.OutputName != "audio.mp3" {
		t.Fatalf("unexpected outcome %s / %q", out.State, out.OutputName)
	}
	if h.recorder.entries[0].OriginalFilename != DefaultInputName {
		t.Fatalf("expected default name recorded, got %q", h.recorder.entries[0].OriginalFilename)
	}
}

func TestOutputName(t *testing.T) {
	tests := map[string]string{
		"song.flac":         "song.mp3",
		"Album - 01.FLAC":   "Album - 01.mp3",
		"no-extension":      "no-extension.mp3",
		"dir/inner.flac":    "inner.mp3",
		".flac":             "audio.mp3",
		"":                  "audio.mp3",
		"multi.dot.v2.flac": "multi.dot.v2.mp3",
	}
	for in, want := range tests {
		if got := OutputName(in); got != want {
			t.Errorf("OutputName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("eof")
	err := Wrap(ErrDownloadFailed, "fetch", "file-1", cause)

	if !errors.Is(err, ErrDownloadFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected both marker and cause, got %v", err)
	}
	if err.Error() != "download failed: fetch: file-1: eof" {
		t.Fatalf("unexpected text %q", err.Error())
	}
	if got := Wrap(ErrTooLarge, "", "", nil).Error(); got != "file too large: pipeline failure" {
		t.Fatalf("unexpected text %q", got)
	}
}
