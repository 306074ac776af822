package clip

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/podkiya/media-pipeline/internal/db"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	repo := NewRepository(database.Conn())
	return database, repo
}

func seedClip(t *testing.T, repo Repository, clipID string) {
	ctx := context.Background()
	if err := repo.CreateUser(ctx, "creator-1", "Amina"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	c := &Clip{
		ID:        clipID,
		CreatorID: "creator-1",
		Title:     "Photosynthesis in 90 seconds",
		Language:  "en",
		Status:    StatusDraft,
	}
	if err := repo.CreateClip(ctx, c); err != nil {
		t.Fatalf("CreateClip() error = %v", err)
	}
}

func TestRepository_ClipMediaUpdate(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	err := repo.UpdateClipMedia(ctx, "clip-1",
		"https://cdn.example.com/clips/clip-1/audio.mp3",
		"https://cdn.example.com/clips/clip-1/waveform.json",
		92.4, StatusInReview)
	if err != nil {
		t.Fatalf("UpdateClipMedia() error = %v", err)
	}

	c, err := repo.GetClip(ctx, "clip-1")
	if err != nil {
		t.Fatalf("GetClip() error = %v", err)
	}
	if c.Status != StatusInReview {
		t.Errorf("status = %s, want %s", c.Status, StatusInReview)
	}
	if c.AudioURL == "" || c.WaveformJSONURL == "" {
		t.Error("media URLs not persisted")
	}
	if c.DurationSec != 92.4 {
		t.Errorf("duration = %v, want 92.4", c.DurationSec)
	}
}

func TestRepository_RejectClip(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	if err := repo.RejectClip(ctx, "clip-1", "Audio exceeds the 3 minute limit"); err != nil {
		t.Fatalf("RejectClip() error = %v", err)
	}

	c, _ := repo.GetClip(ctx, "clip-1")
	if c.Status != StatusRejected {
		t.Errorf("status = %s, want %s", c.Status, StatusRejected)
	}
	if c.RejectionReason != "Audio exceeds the 3 minute limit" {
		t.Errorf("rejection reason = %q", c.RejectionReason)
	}
}

func TestRepository_ApproveClip_SetsPublishedAtOnce(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.ApproveClip(ctx, "clip-1", first); err != nil {
		t.Fatalf("ApproveClip() error = %v", err)
	}

	// A second approval must not move the publish timestamp.
	if err := repo.ApproveClip(ctx, "clip-1", first.Add(48*time.Hour)); err != nil {
		t.Fatalf("second ApproveClip() error = %v", err)
	}

	c, _ := repo.GetClip(ctx, "clip-1")
	if c.Status != StatusApproved {
		t.Errorf("status = %s, want %s", c.Status, StatusApproved)
	}
	if c.PublishedAt == nil || !c.PublishedAt.Equal(first) {
		t.Errorf("published_at = %v, want %v", c.PublishedAt, first)
	}
}

func TestRepository_RunLifecycle(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	run := &PipelineRun{
		ID:      NewID(),
		ClipID:  "clip-1",
		Trigger: TriggerUpload,
		RawKey:  "uploads/clip-1/original.mp3",
	}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	pending, err := repo.ListPendingRuns(ctx)
	if err != nil {
		t.Fatalf("ListPendingRuns() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != run.ID {
		t.Fatalf("pending runs = %d, want the created run", len(pending))
	}
	if pending[0].Transcode.Status != StepPending {
		t.Errorf("transcode status = %s, want pending", pending[0].Transcode.Status)
	}

	claimed, err := repo.ClaimRun(ctx, run.ID)
	if err != nil || !claimed {
		t.Fatalf("ClaimRun() = %v, %v, want true", claimed, err)
	}
	claimed, err = repo.ClaimRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("second ClaimRun() error = %v", err)
	}
	if claimed {
		t.Error("second ClaimRun() = true, want false")
	}

	if err := repo.UpdateRunStep(ctx, run.ID, StepTranscode, StepState{Status: StepCompleted, Attempts: 1}); err != nil {
		t.Fatalf("UpdateRunStep() error = %v", err)
	}
	if err := repo.FinishRun(ctx, run.ID, RunFailed, "transcription engine unreachable"); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, _ := repo.GetRun(ctx, run.ID)
	if got.Transcode.Status != StepCompleted || got.Transcode.Attempts != 1 {
		t.Errorf("transcode step = %+v", got.Transcode)
	}
	if got.State != RunFailed || got.LastError == "" {
		t.Errorf("run state = %s, last_error = %q", got.State, got.LastError)
	}
}

func TestRepository_ResetRunForRetry_PreservesCompletedSteps(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	run := &PipelineRun{ID: NewID(), ClipID: "clip-1", Trigger: TriggerUpload, RawKey: "uploads/clip-1/original.mp3"}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	repo.UpdateRunStep(ctx, run.ID, StepTranscode, StepState{Status: StepCompleted, Attempts: 1})
	repo.UpdateRunStep(ctx, run.ID, StepTranscribe, StepState{Status: StepFailed, Attempts: 3, Error: "unavailable"})
	repo.FinishRun(ctx, run.ID, RunFailed, "unavailable")

	if err := repo.ResetRunForRetry(ctx, run.ID); err != nil {
		t.Fatalf("ResetRunForRetry() error = %v", err)
	}

	got, _ := repo.GetRun(ctx, run.ID)
	if got.State != RunPending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.Transcode.Status != StepCompleted {
		t.Errorf("transcode = %s, completed steps must not be reset", got.Transcode.Status)
	}
	if got.Transcribe.Status != StepPending || got.Transcribe.Error != "" {
		t.Errorf("transcribe = %+v, want pending with cleared error", got.Transcribe)
	}
}

func TestRepository_GetLatestRun(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	older := &PipelineRun{ID: "run-old", ClipID: "clip-1", Trigger: TriggerUpload, RawKey: "uploads/clip-1/original.mp3",
		CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &PipelineRun{ID: "run-new", ClipID: "clip-1", Trigger: TriggerReprocess, RawKey: "uploads/clip-1/original.mp3"}
	if err := repo.CreateRun(ctx, older); err != nil {
		t.Fatalf("CreateRun(older) error = %v", err)
	}
	if err := repo.CreateRun(ctx, newer); err != nil {
		t.Fatalf("CreateRun(newer) error = %v", err)
	}

	got, err := repo.GetLatestRun(ctx, "clip-1")
	if err != nil {
		t.Fatalf("GetLatestRun() error = %v", err)
	}
	if got.ID != "run-new" {
		t.Errorf("latest run = %s, want run-new", got.ID)
	}
}

func TestRepository_TranscriptUpsert(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	first := &Transcript{ClipID: "clip-1", Text: "first pass", Language: "en"}
	if err := repo.UpsertTranscript(ctx, first); err != nil {
		t.Fatalf("UpsertTranscript() error = %v", err)
	}

	second := &Transcript{ClipID: "clip-1", Text: "second pass after reprocess", Language: "en",
		WordsJSONURL: "https://cdn.example.com/clips/clip-1/transcript-words.json"}
	if err := repo.UpsertTranscript(ctx, second); err != nil {
		t.Fatalf("second UpsertTranscript() error = %v", err)
	}

	got, err := repo.GetTranscriptByClip(ctx, "clip-1")
	if err != nil {
		t.Fatalf("GetTranscriptByClip() error = %v", err)
	}
	if got.Text != "second pass after reprocess" {
		t.Errorf("text = %q, reprocess must overwrite", got.Text)
	}
	if got.WordsJSONURL == "" {
		t.Error("words_json_url not persisted")
	}
}

func TestRepository_GetIndexData(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	repo.CreateTag(ctx, "tag-1", "biology", "Biology", "")
	repo.CreateTag(ctx, "tag-2", "chemistry", "Chemistry", "")
	repo.TagClip(ctx, "clip-1", "tag-1")
	repo.TagClip(ctx, "clip-1", "tag-2")

	repo.CreateUser(ctx, "viewer-1", "Basel")
	repo.AddLike(ctx, "viewer-1", "clip-1")
	repo.AddPlayEvent(ctx, "clip-1", "viewer-1", true)
	repo.AddPlayEvent(ctx, "clip-1", "", false)
	repo.AddPlayEvent(ctx, "clip-1", "", true)

	repo.UpsertTranscript(ctx, &Transcript{ClipID: "clip-1", Text: "Plants turn light into sugar.", Language: "en"})

	data, err := repo.GetIndexData(ctx, "clip-1")
	if err != nil {
		t.Fatalf("GetIndexData() error = %v", err)
	}
	if data.CreatorName != "Amina" {
		t.Errorf("creator name = %q, want Amina", data.CreatorName)
	}
	if len(data.Tags) != 2 || data.TagSlugs[0] != "biology" {
		t.Errorf("tags = %v / %v", data.Tags, data.TagSlugs)
	}
	if data.LikeCount != 1 || data.PlayCount != 3 || data.CompletedPlays != 2 {
		t.Errorf("counts = likes %d plays %d completed %d", data.LikeCount, data.PlayCount, data.CompletedPlays)
	}
	if got := data.CompletionRate(); got != 67 {
		t.Errorf("CompletionRate() = %d, want 67", got)
	}
	if data.TranscriptText == "" {
		t.Error("transcript text missing from index data")
	}
}

func TestRepository_GetIndexData_NoPlays(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	data, err := repo.GetIndexData(ctx, "clip-1")
	if err != nil {
		t.Fatalf("GetIndexData() error = %v", err)
	}
	if got := data.CompletionRate(); got != 0 {
		t.Errorf("CompletionRate() with no plays = %d, want 0", got)
	}
}

func TestRepository_IndexTasks(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	task := &IndexTask{ClipID: "clip-1", Kind: IndexTaskUpdate}
	if err := repo.CreateIndexTask(ctx, task); err != nil {
		t.Fatalf("CreateIndexTask() error = %v", err)
	}

	pending, err := repo.ListPendingIndexTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingIndexTasks() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != IndexTaskUpdate {
		t.Fatalf("pending tasks = %+v", pending)
	}

	claimed, err := repo.ClaimIndexTask(ctx, task.ID)
	if err != nil || !claimed {
		t.Fatalf("ClaimIndexTask() = %v, %v", claimed, err)
	}
	if err := repo.FinishIndexTask(ctx, task.ID, RunCompleted, ""); err != nil {
		t.Fatalf("FinishIndexTask() error = %v", err)
	}

	pending, _ = repo.ListPendingIndexTasks(ctx)
	if len(pending) != 0 {
		t.Errorf("pending tasks after finish = %d, want 0", len(pending))
	}
}

func TestRepository_ReviewTasks(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()

	seedClip(t, repo, "clip-1")

	if err := repo.CreateReviewTask(ctx, &ReviewTask{ClipID: "clip-1"}); err != nil {
		t.Fatalf("CreateReviewTask() error = %v", err)
	}
	count, err := repo.CountReviewTasks(ctx, "clip-1")
	if err != nil || count != 1 {
		t.Fatalf("CountReviewTasks() = %d, %v, want 1", count, err)
	}

	if err := repo.CloseReviewTasks(ctx, "clip-1", "reviewer-1", ReviewApproved, "clear audio"); err != nil {
		t.Fatalf("CloseReviewTasks() error = %v", err)
	}
}
