package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/podkiya/media-pipeline/internal/audio"
	"github.com/podkiya/media-pipeline/internal/clip"
	"github.com/podkiya/media-pipeline/internal/config"
	"github.com/podkiya/media-pipeline/internal/logging"
	"github.com/podkiya/media-pipeline/internal/search"
	"github.com/podkiya/media-pipeline/internal/storage"
	"github.com/podkiya/media-pipeline/internal/transcribe"
)

var (
	ErrClipNotFound = errors.New("clip not found")
	ErrNoRun        = errors.New("clip has no pipeline run")
	ErrRunInFlight  = errors.New("a run for this clip is already in flight")
)

// RejectionReasonProcessing is the user-visible reason set when the
// transcode step fails for any cause other than validation.
const RejectionReasonProcessing = "Audio processing failed"

// rejectionError carries a user-visible reason through the transcode
// step. It is always permanent.
type rejectionError struct {
	reason string
}

func (e *rejectionError) Error() string { return e.reason }

// isTransient reports whether an error is worth retrying. Every service
// package exposes retryability on its typed errors; a context deadline
// means an external call timed out and also counts as transient.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// Orchestrator drives pipeline runs and index tasks through their steps,
// persisting each step transition before moving on.
type Orchestrator struct {
	repo        clip.Repository
	store       storage.Gateway
	audio       *audio.Service
	transcriber transcribe.Transcriber
	indexer     search.Indexer
	cfg         config.Config
	logger      *slog.Logger
}

func NewOrchestrator(repo clip.Repository, store storage.Gateway, audioSvc *audio.Service,
	transcriber transcribe.Transcriber, indexer search.Indexer, cfg config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		store:       store,
		audio:       audioSvc,
		transcriber: transcriber,
		indexer:     indexer,
		cfg:         cfg,
		logger:      logging.WithComponent(logger, "orchestrator"),
	}
}

// StartRun records a new pending run for the clip. The runner picks it
// up on its next poll. rawKey must point at a stored upload object.
func (o *Orchestrator) StartRun(ctx context.Context, clipID, rawKey, trigger string) (*clip.PipelineRun, error) {
	c, err := o.repo.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrClipNotFound
	}
	if err := o.ensureNoRunInFlight(ctx, clipID); err != nil {
		return nil, err
	}

	run := &clip.PipelineRun{
		ID:         clip.NewID(),
		ClipID:     clipID,
		Trigger:    trigger,
		RawKey:     rawKey,
		Transcode:  clip.StepState{Status: clip.StepPending},
		Transcribe: clip.StepState{Status: clip.StepPending},
		Index:      clip.StepState{Status: clip.StepPending},
		State:      clip.RunPending,
	}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.logger.Info("run created", "run_id", run.ID, "clip_id", clipID, "trigger", trigger)
	return run, nil
}

// ProcessUpload stores the raw upload durably and starts a run against
// it. The stored object outlives the run so retries never need the
// original bytes again.
func (o *Orchestrator) ProcessUpload(ctx context.Context, clipID string, data []byte, ext string) (*clip.PipelineRun, error) {
	key := storage.UploadKey(clipID, ext)
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
	defer cancel()
	if _, err := o.store.Put(sctx, key, data, "application/octet-stream"); err != nil {
		return nil, err
	}
	return o.StartRun(ctx, clipID, key, clip.TriggerUpload)
}

// Retry resets the non-completed steps of the clip's latest run back to
// pending so the runner resumes it from the last successful step.
func (o *Orchestrator) Retry(ctx context.Context, clipID string) (*clip.PipelineRun, error) {
	run, err := o.repo.GetLatestRun(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoRun
	}
	if !run.Terminal() {
		return nil, ErrRunInFlight
	}
	if err := o.repo.ResetRunForRetry(ctx, run.ID); err != nil {
		return nil, err
	}
	o.logger.Info("run reset for retry", "run_id", run.ID, "clip_id", clipID)
	return o.repo.GetRun(ctx, run.ID)
}

// Reprocess starts a fresh run over the clip's original upload with all
// steps pending, even the ones an earlier run completed.
func (o *Orchestrator) Reprocess(ctx context.Context, clipID string) (*clip.PipelineRun, error) {
	prev, err := o.repo.GetLatestRun(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ErrNoRun
	}
	if !prev.Terminal() {
		return nil, ErrRunInFlight
	}
	return o.StartRun(ctx, clipID, prev.RawKey, clip.TriggerReprocess)
}

func (o *Orchestrator) ensureNoRunInFlight(ctx context.Context, clipID string) error {
	latest, err := o.repo.GetLatestRun(ctx, clipID)
	if err != nil {
		return err
	}
	if latest != nil && !latest.Terminal() {
		return ErrRunInFlight
	}
	return nil
}

// ProcessRun executes one claimed run to a terminal state. Completed
// steps are skipped, so calling it on a half-finished run resumes where
// the last attempt stopped. Returns nil when the run was already claimed
// elsewhere.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID string) error {
	claimed, err := o.repo.ClaimRun(ctx, runID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	c, err := o.repo.GetClip(ctx, run.ClipID)
	if err != nil {
		return err
	}
	if c == nil {
		return o.repo.FinishRun(ctx, runID, clip.RunFailed, ErrClipNotFound.Error())
	}

	log := logging.WithRunID(logging.WithClipID(o.logger, c.ID), run.ID)
	log.Info("run started", "trigger", run.Trigger)

	if run.Transcode.Status != clip.StepCompleted {
		if err := o.execStep(ctx, run, clip.StepTranscode, o.transcodeStep(run, c)); err != nil {
			reason := RejectionReasonProcessing
			var rej *rejectionError
			if errors.As(err, &rej) {
				reason = rej.reason
			}
			if rerr := o.repo.RejectClip(ctx, c.ID, reason); rerr != nil {
				log.Error("failed to reject clip", "error", rerr)
			}
			log.Warn("run failed at transcode", "reason", reason)
			return o.repo.FinishRun(ctx, run.ID, clip.RunFailed, err.Error())
		}
	}

	var failedSteps []string

	if run.Transcribe.Status != clip.StepCompleted {
		if err := o.execStep(ctx, run, clip.StepTranscribe, o.transcribeStep(run, c)); err != nil {
			log.Warn("transcription failed, continuing without transcript", "error", err)
			failedSteps = append(failedSteps, clip.StepTranscribe+": "+err.Error())
		}
	}

	if run.Index.Status != clip.StepCompleted {
		if err := o.execStep(ctx, run, clip.StepIndex, o.indexStep(c)); err != nil {
			log.Warn("indexing failed, continuing", "error", err)
			failedSteps = append(failedSteps, clip.StepIndex+": "+err.Error())
		}
	}

	lastError := strings.Join(failedSteps, "; ")
	log.Info("run finished", "failed_steps", len(failedSteps))
	return o.repo.FinishRun(ctx, run.ID, clip.RunCompleted, lastError)
}

// execStep runs one step with bounded exponential backoff on transient
// errors, persisting every attempt count and status transition.
func (o *Orchestrator) execStep(ctx context.Context, run *clip.PipelineRun, step string, fn func(context.Context) error) error {
	st := run.Step(step)
	if err := o.repo.SetRunCurrentStep(ctx, run.ID, step); err != nil {
		return err
	}

	maxRetries := uint64(0)
	if n := o.cfg.StepAttempts(); n > 1 {
		maxRetries = uint64(n - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	err := backoff.Retry(func() error {
		st.Attempts++
		st.Status = clip.StepProcessing
		if uerr := o.repo.UpdateRunStep(ctx, run.ID, step, *st); uerr != nil {
			return backoff.Permanent(uerr)
		}
		if serr := fn(ctx); serr != nil {
			if isTransient(serr) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		return nil
	}, bo)

	if err != nil {
		st.Status = clip.StepFailed
		st.Error = err.Error()
		if uerr := o.repo.UpdateRunStep(ctx, run.ID, step, *st); uerr != nil {
			o.logger.Error("failed to persist step failure", "run_id", run.ID, "step", step, "error", uerr)
		}
		return err
	}

	st.Status = clip.StepCompleted
	st.Error = ""
	return o.repo.UpdateRunStep(ctx, run.ID, step, *st)
}

func (o *Orchestrator) transcodeStep(run *clip.PipelineRun, c *clip.Clip) func(context.Context) error {
	return func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
		raw, err := o.store.Get(sctx, run.RawKey)
		cancel()
		if err != nil {
			return err
		}

		tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscodeTimeout())
		defer cancel()

		result, err := o.audio.Validate(tctx, raw)
		if err != nil {
			return err
		}
		if !result.Valid {
			return &rejectionError{reason: result.Reason}
		}

		encoded, err := o.audio.Transcode(tctx, raw, audio.CanonicalBitrate)
		if err != nil {
			return err
		}
		waveform, err := o.audio.GenerateWaveform(tctx, encoded, audio.DefaultWaveformSamples)
		if err != nil {
			return err
		}
		waveformJSON, err := json.Marshal(waveform)
		if err != nil {
			return err
		}

		pctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
		defer cancel()
		audioURL, err := o.store.Put(pctx, storage.AudioKey(c.ID, audio.CanonicalExt), encoded, audio.CanonicalMIME)
		if err != nil {
			return err
		}
		waveformURL, err := o.store.Put(pctx, storage.WaveformKey(c.ID), waveformJSON, "application/json")
		if err != nil {
			return err
		}

		if err := o.repo.UpdateClipMedia(ctx, c.ID, audioURL, waveformURL, result.DurationSec, clip.StatusInReview); err != nil {
			return err
		}
		c.AudioURL = audioURL
		c.WaveformJSONURL = waveformURL
		c.DurationSec = result.DurationSec
		c.Status = clip.StatusInReview

		open, err := o.repo.CountReviewTasks(ctx, c.ID)
		if err != nil {
			return err
		}
		if open == 0 {
			task := &clip.ReviewTask{ID: clip.NewID(), ClipID: c.ID, Status: clip.ReviewOpen}
			if err := o.repo.CreateReviewTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	}
}

func (o *Orchestrator) transcribeStep(run *clip.PipelineRun, c *clip.Clip) func(context.Context) error {
	return func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
		encoded, err := o.store.Get(sctx, storage.AudioKey(c.ID, audio.CanonicalExt))
		cancel()
		if err != nil {
			return err
		}

		tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout())
		defer cancel()
		result, err := o.transcriber.Transcribe(tctx, encoded, c.Language)
		if err != nil {
			return err
		}

		wordsJSON, err := json.Marshal(result.Words)
		if err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
		defer cancel()
		wordsURL, err := o.store.Put(pctx, storage.TranscriptWordsKey(c.ID), wordsJSON, "application/json")
		if err != nil {
			return err
		}

		return o.repo.UpsertTranscript(ctx, &clip.Transcript{
			ID:           clip.NewID(),
			ClipID:       c.ID,
			Text:         result.Text,
			Language:     c.Language,
			WordsJSONURL: wordsURL,
		})
	}
}

func (o *Orchestrator) indexStep(c *clip.Clip) func(context.Context) error {
	return func(ctx context.Context) error {
		data, err := o.repo.GetIndexData(ctx, c.ID)
		if err != nil {
			return err
		}
		doc := search.NewDocument(data, snippetFor(data))

		ictx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout())
		defer cancel()
		return o.indexer.Index(ictx, doc)
	}
}

func snippetFor(data *clip.IndexData) *string {
	if data.TranscriptText == "" {
		return nil
	}
	s := transcribe.GenerateSnippet(data.TranscriptText, transcribe.DefaultSnippetLength)
	return &s
}

// EnqueueIndexTask records an indexing trigger decoupled from the upload
// pipeline. kind is update or remove.
func (o *Orchestrator) EnqueueIndexTask(ctx context.Context, clipID, kind string) (*clip.IndexTask, error) {
	c, err := o.repo.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrClipNotFound
	}
	task := &clip.IndexTask{
		ID:     clip.NewID(),
		ClipID: clipID,
		Kind:   kind,
		Status: clip.StepPending,
	}
	if err := o.repo.CreateIndexTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ProcessIndexTask executes one claimed index task. An update task
// upserts the full document when the clip is approved and removes it
// otherwise, so it is safe to enqueue on any status change.
func (o *Orchestrator) ProcessIndexTask(ctx context.Context, task *clip.IndexTask) error {
	claimed, err := o.repo.ClaimIndexTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	maxRetries := uint64(0)
	if n := o.cfg.StepAttempts(); n > 1 {
		maxRetries = uint64(n - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	err = backoff.Retry(func() error {
		terr := o.applyIndexTask(ctx, task)
		if terr != nil && !isTransient(terr) {
			return backoff.Permanent(terr)
		}
		return terr
	}, bo)

	if err != nil {
		o.logger.Warn("index task failed", "task_id", task.ID, "clip_id", task.ClipID, "kind", task.Kind, "error", err)
		return o.repo.FinishIndexTask(ctx, task.ID, clip.StepFailed, err.Error())
	}
	return o.repo.FinishIndexTask(ctx, task.ID, clip.StepCompleted, "")
}

func (o *Orchestrator) applyIndexTask(ctx context.Context, task *clip.IndexTask) error {
	ictx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout())
	defer cancel()

	if task.Kind == clip.IndexTaskRemove {
		return o.indexer.Remove(ictx, task.ClipID)
	}

	c, err := o.repo.GetClip(ctx, task.ClipID)
	if err != nil {
		return err
	}
	if c == nil || c.Status != clip.StatusApproved {
		return o.indexer.Remove(ictx, task.ClipID)
	}

	data, err := o.repo.GetIndexData(ctx, task.ClipID)
	if err != nil {
		return err
	}
	return o.indexer.Index(ictx, search.NewDocument(data, snippetFor(data)))
}

// Review applies a moderation decision. Approval publishes the clip and
// triggers indexing; rejection takes it out of review and triggers a
// document removal through the same update task.
func (o *Orchestrator) Review(ctx context.Context, clipID, reviewerID, decision, notes string) error {
	c, err := o.repo.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrClipNotFound
	}

	switch decision {
	case clip.ReviewApproved:
		if err := o.repo.ApproveClip(ctx, clipID, time.Now().UTC()); err != nil {
			return err
		}
	case clip.ReviewRejected:
		reason := notes
		if reason == "" {
			reason = "Rejected by reviewer"
		}
		if err := o.repo.RejectClip(ctx, clipID, reason); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown review decision %q", decision)
	}

	if err := o.repo.CloseReviewTasks(ctx, clipID, reviewerID, decision, notes); err != nil {
		return err
	}
	_, err = o.EnqueueIndexTask(ctx, clipID, clip.IndexTaskUpdate)
	return err
}

// SyncEngagement pushes current like/play counters into the search
// document. Clips that are not approved have no document to update.
func (o *Orchestrator) SyncEngagement(ctx context.Context, clipID string) error {
	c, err := o.repo.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrClipNotFound
	}
	if c.Status != clip.StatusApproved {
		return nil
	}

	data, err := o.repo.GetIndexData(ctx, clipID)
	if err != nil {
		return err
	}
	ictx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout())
	defer cancel()
	return o.indexer.UpdateEngagement(ictx, search.EngagementUpdate{
		ClipID:         clipID,
		LikeCount:      data.LikeCount,
		PlayCount:      data.PlayCount,
		CompletionRate: data.CompletionRate(),
	})
}
