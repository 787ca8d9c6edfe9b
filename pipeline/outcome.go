package pipeline

import "flac2mp3/models"

// State is the terminal state of one orchestrator run.
type State string

const (
	StateDelivered           State = "delivered"
	StateRejectedTooLarge    State = "rejected_too_large"
	StateRejectedRateLimited State = "rejected_rate_limited"
	StateFailedDownload      State = "failed_download"
	StateFailedConversion    State = "failed_conversion"
	StateFailedDelivery      State = "failed_delivery"
)

// Rejected reports whether the request was turned away before any work.
func (s State) Rejected() bool {
	return s == StateRejectedTooLarge || s == StateRejectedRateLimited
}

// Outcome is what a front-end gets back from Process. Message is suitable
// for showing to the user; Err carries the classified cause.
type Outcome struct {
	State             State
	Message           string
	Result            *models.ConversionResult
	RetryAfterSeconds int
	OutputName        string
	Err               error
}

func (o Outcome) Delivered() bool { return o.State == StateDelivered }

// Stage identifies a progress step reported while a request runs.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageConverting  Stage = "converting"
	StageUploading   Stage = "uploading"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// ProgressEvent is handed to Progress.Report. FileName is the input name
// while downloading and converting and the output name while uploading.
type ProgressEvent struct {
	Stage    Stage
	FileName string
	SizeMB   float64
	Message  string
}
