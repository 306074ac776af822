package clip

import (
	"time"

	"github.com/google/uuid"
)

// Clip lifecycle statuses. The orchestrator only ever moves a clip between
// draft, in_review and rejected; approved and removed are set by the review
// and moderation collaborators.
const (
	StatusDraft    = "draft"
	StatusInReview = "in_review"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusRemoved  = "removed"
)

// Pipeline steps, in execution order.
const (
	StepTranscode  = "transcode"
	StepTranscribe = "transcribe"
	StepIndex      = "index"
)

// Per-step and per-run statuses.
const (
	StepPending    = "pending"
	StepProcessing = "processing"
	StepCompleted  = "completed"
	StepFailed     = "failed"

	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run triggers.
const (
	TriggerUpload    = "upload"
	TriggerRetry     = "retry"
	TriggerReprocess = "reprocess"
)

// Index task kinds (the indexing triggers decoupled from the upload pipeline).
const (
	IndexTaskUpdate = "update"
	IndexTaskRemove = "remove"
)

const (
	ReviewOpen     = "open"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// MaxClipDurationSec is the platform's maximum clip length.
const MaxClipDurationSec = 180.0

type Clip struct {
	ID              string     `json:"id"`
	CreatorID       string     `json:"creator_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Language        string     `json:"language"`
	DurationSec     float64    `json:"duration_sec"`
	AudioURL        string     `json:"audio_url,omitempty"`
	WaveformJSONURL string     `json:"waveform_json_url,omitempty"`
	ThumbURL        string     `json:"thumb_url,omitempty"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
}

// StepState is the persisted status of one pipeline step within a run.
type StepState struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// PipelineRun is one execution of the transcode/transcribe/index workflow
// for one clip. RawKey points at the original upload object in storage and
// stays valid for the whole lifetime of the run, including retries.
type PipelineRun struct {
	ID          string    `json:"id"`
	ClipID      string    `json:"clip_id"`
	Trigger     string    `json:"trigger"`
	RawKey      string    `json:"raw_key"`
	CurrentStep string    `json:"current_step,omitempty"`
	Transcode   StepState `json:"transcode"`
	Transcribe  StepState `json:"transcribe"`
	Index       StepState `json:"index"`
	State       string    `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step returns a pointer to the named step's state, or nil.
func (r *PipelineRun) Step(name string) *StepState {
	switch name {
	case StepTranscode:
		return &r.Transcode
	case StepTranscribe:
		return &r.Transcribe
	case StepIndex:
		return &r.Index
	}
	return nil
}

// Terminal reports whether the run has reached an absorbing state.
func (r *PipelineRun) Terminal() bool {
	return r.State == RunCompleted || r.State == RunFailed
}

type Transcript struct {
	ID           string    `json:"id"`
	ClipID       string    `json:"clip_id"`
	Text         string    `json:"text"`
	Language     string    `json:"language"`
	WordsJSONURL string    `json:"words_json_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReviewTask struct {
	ID         string    `json:"id"`
	ClipID     string    `json:"clip_id"`
	ReviewerID string    `json:"reviewer_id,omitempty"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IndexTask is a queued indexing trigger independent of the upload pipeline:
// update re-indexes against current metadata, remove deletes the document.
type IndexTask struct {
	ID        string    `json:"id"`
	ClipID    string    `json:"clip_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexData is the denormalized read model the search indexer is built from.
type IndexData struct {
	Clip           *Clip
	CreatorName    string
	Tags           []string
	TagSlugs       []string
	TranscriptText string
	LikeCount      int
	PlayCount      int
	CompletedPlays int
}

// CompletionRate returns completed plays as a 0-100 percentage.
func (d *IndexData) CompletionRate() int {
	if d.PlayCount == 0 {
		return 0
	}
	return int(float64(d.CompletedPlays)/float64(d.PlayCount)*100 + 0.5)
}

func NewID() string {
	return uuid.New().String()
}
