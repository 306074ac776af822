package clip

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the lifecycle-store boundary. The orchestrator mutates only
// pipeline-derived clip fields through it; creator-authored fields (title,
// description, tags) have no mutation path here.
type Repository interface {
	CreateUser(ctx context.Context, id, name string) error
	CreateTag(ctx context.Context, id, slug, labelEN, labelAR string) error
	TagClip(ctx context.Context, clipID, tagID string) error
	AddLike(ctx context.Context, userID, clipID string) error
	AddPlayEvent(ctx context.Context, clipID, userID string, completed bool) error

	CreateClip(ctx context.Context, c *Clip) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	UpdateClipMedia(ctx context.Context, id, audioURL, waveformURL string, durationSec float64, status string) error
	RejectClip(ctx context.Context, id, reason string) error
	ApproveClip(ctx context.Context, id string, publishedAt time.Time) error
	SetClipStatus(ctx context.Context, id, status string) error

	CreateRun(ctx context.Context, run *PipelineRun) error
	GetRun(ctx context.Context, id string) (*PipelineRun, error)
	GetLatestRun(ctx context.Context, clipID string) (*PipelineRun, error)
	ListRunsForClip(ctx context.Context, clipID string) ([]*PipelineRun, error)
	ListPendingRuns(ctx context.Context) ([]*PipelineRun, error)
	ClaimRun(ctx context.Context, id string) (bool, error)
	UpdateRunStep(ctx context.Context, runID, step string, state StepState) error
	SetRunCurrentStep(ctx context.Context, runID, step string) error
	FinishRun(ctx context.Context, runID, state, lastError string) error
	ResetRunForRetry(ctx context.Context, runID string) error

	UpsertTranscript(ctx context.Context, t *Transcript) error
	GetTranscriptByClip(ctx context.Context, clipID string) (*Transcript, error)

	CreateReviewTask(ctx context.Context, task *ReviewTask) error
	CountReviewTasks(ctx context.Context, clipID string) (int, error)
	CloseReviewTasks(ctx context.Context, clipID, reviewerID, status, notes string) error

	CreateIndexTask(ctx context.Context, task *IndexTask) error
	ListPendingIndexTasks(ctx context.Context) ([]*IndexTask, error)
	ClaimIndexTask(ctx context.Context, id string) (bool, error)
	FinishIndexTask(ctx context.Context, id, status, errMsg string) error

	GetIndexData(ctx context.Context, clipID string) (*IndexData, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
	`, id, name, now())
	return err
}

func (r *SQLiteRepository) CreateTag(ctx context.Context, id, slug, labelEN, labelAR string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tags (id, slug, label_en, label_ar, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, slug, labelEN, labelAR, now())
	return err
}

func (r *SQLiteRepository) TagClip(ctx context.Context, clipID, tagID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO clip_tags (clip_id, tag_id) VALUES (?, ?)
	`, clipID, tagID)
	return err
}

func (r *SQLiteRepository) AddLike(ctx context.Context, userID, clipID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO likes (user_id, clip_id, created_at) VALUES (?, ?, ?)
	`, userID, clipID, now())
	return err
}

func (r *SQLiteRepository) AddPlayEvent(ctx context.Context, clipID, userID string, completed bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO play_events (id, clip_id, user_id, completed, created_at) VALUES (?, ?, ?, ?, ?)
	`, NewID(), clipID, nullString(userID), boolToInt(completed), now())
	return err
}

func (r *SQLiteRepository) CreateClip(ctx context.Context, c *Clip) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clips (id, creator_id, title, description, language, duration_sec,
			audio_url, waveform_json_url, thumb_url, status, rejection_reason, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.CreatorID, c.Title, nullString(c.Description), c.Language, c.DurationSec,
		nullString(c.AudioURL), nullString(c.WaveformJSONURL), nullString(c.ThumbURL),
		c.Status, nullString(c.RejectionReason), c.CreatedAt.Format(time.RFC3339), nullTime(c.PublishedAt))
	return err
}

const clipColumns = `id, creator_id, title, description, language, duration_sec,
	audio_url, waveform_json_url, thumb_url, status, rejection_reason, created_at, published_at`

func (r *SQLiteRepository) GetClip(ctx context.Context, id string) (*Clip, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clipColumns+` FROM clips WHERE id = ?
	`, id)
	return scanClip(row)
}

func scanClip(row *sql.Row) (*Clip, error) {
	var c Clip
	var description, audioURL, waveformURL, thumbURL, rejection, publishedAt sql.NullString
	var createdAt string

	err := row.Scan(&c.ID, &c.CreatorID, &c.Title, &description, &c.Language, &c.DurationSec,
		&audioURL, &waveformURL, &thumbURL, &c.Status, &rejection, &createdAt, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	c.AudioURL = audioURL.String
	c.WaveformJSONURL = waveformURL.String
	c.ThumbURL = thumbURL.String
	c.RejectionReason = rejection.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if publishedAt.Valid {
		t, err := time.Parse(time.RFC3339, publishedAt.String)
		if err == nil {
			c.PublishedAt = &t
		}
	}
	return &c, nil
}

func (r *SQLiteRepository) UpdateClipMedia(ctx context.Context, id, audioURL, waveformURL string, durationSec float64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clips SET audio_url = ?, waveform_json_url = ?, duration_sec = ?, status = ?, rejection_reason = NULL
		WHERE id = ?
	`, audioURL, waveformURL, durationSec, status, id)
	return err
}

func (r *SQLiteRepository) RejectClip(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clips SET status = ?, rejection_reason = ? WHERE id = ?
	`, StatusRejected, reason, id)
	return err
}

func (r *SQLiteRepository) ApproveClip(ctx context.Context, id string, publishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clips SET status = ?, rejection_reason = NULL,
			published_at = COALESCE(published_at, ?)
		WHERE id = ?
	`, StatusApproved, publishedAt.UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) SetClipStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE clips SET status = ? WHERE id = ?`, status, id)
	return err
}

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *PipelineRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	if run.State == "" {
		run.State = RunPending
	}
	for _, s := range []*StepState{&run.Transcode, &run.Transcribe, &run.Index} {
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, clip_id, trigger_kind, raw_key, current_step,
			transcode_status, transcode_attempts, transcode_error,
			transcribe_status, transcribe_attempts, transcribe_error,
			index_status, index_attempts, index_error,
			state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ClipID, run.Trigger, run.RawKey, run.CurrentStep,
		run.Transcode.Status, run.Transcode.Attempts, run.Transcode.Error,
		run.Transcribe.Status, run.Transcribe.Attempts, run.Transcribe.Error,
		run.Index.Status, run.Index.Attempts, run.Index.Error,
		run.State, run.LastError,
		run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339))
	return err
}

const runColumns = `id, clip_id, trigger_kind, raw_key, current_step,
	transcode_status, transcode_attempts, transcode_error,
	transcribe_status, transcribe_attempts, transcribe_error,
	index_status, index_attempts, index_error,
	state, last_error, created_at, updated_at`

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*PipelineRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *SQLiteRepository) GetLatestRun(ctx context.Context, clipID string) (*PipelineRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs WHERE clip_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, clipID)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunFrom(row rowScanner) (*PipelineRun, error) {
	var run PipelineRun
	var createdAt, updatedAt string

	err := row.Scan(&run.ID, &run.ClipID, &run.Trigger, &run.RawKey, &run.CurrentStep,
		&run.Transcode.Status, &run.Transcode.Attempts, &run.Transcode.Error,
		&run.Transcribe.Status, &run.Transcribe.Attempts, &run.Transcribe.Error,
		&run.Index.Status, &run.Index.Attempts, &run.Index.Error,
		&run.State, &run.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &run, nil
}

func scanRun(row *sql.Row) (*PipelineRun, error) {
	run, err := scanRunFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (r *SQLiteRepository) ListRunsForClip(ctx context.Context, clipID string) ([]*PipelineRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs WHERE clip_id = ? ORDER BY created_at DESC, rowid DESC
	`, clipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRunFrom(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) ListPendingRuns(ctx context.Context) ([]*PipelineRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs WHERE state = 'pending' ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRunFrom(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ClaimRun transitions a pending run to running. Returns false when the run
// was already claimed by another dispatch.
func (r *SQLiteRepository) ClaimRun(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET state = 'running', updated_at = ? WHERE id = ? AND state = 'pending'
	`, now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) UpdateRunStep(ctx context.Context, runID, step string, state StepState) error {
	switch step {
	case StepTranscode, StepTranscribe, StepIndex:
	default:
		return fmt.Errorf("unknown pipeline step %q", step)
	}
	q := fmt.Sprintf(`
		UPDATE pipeline_runs SET %s_status = ?, %s_attempts = ?, %s_error = ?, updated_at = ?
		WHERE id = ?
	`, step, step, step)
	_, err := r.db.ExecContext(ctx, q, state.Status, state.Attempts, state.Error, now(), runID)
	return err
}

func (r *SQLiteRepository) SetRunCurrentStep(ctx context.Context, runID, step string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET current_step = ?, updated_at = ? WHERE id = ?
	`, step, now(), runID)
	return err
}

func (r *SQLiteRepository) FinishRun(ctx context.Context, runID, state, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET state = ?, last_error = ?, current_step = '', updated_at = ? WHERE id = ?
	`, state, lastError, now(), runID)
	return err
}

// ResetRunForRetry re-arms a failed run: every non-completed step goes back
// to pending so the orchestrator resumes from the last successful step.
// Completed steps are never reset; an explicit reprocess starts a new run.
func (r *SQLiteRepository) ResetRunForRetry(ctx context.Context, runID string) error {
	for _, step := range []string{StepTranscode, StepTranscribe, StepIndex} {
		q := fmt.Sprintf(`
			UPDATE pipeline_runs SET %s_status = 'pending', %s_error = '', updated_at = ?
			WHERE id = ? AND %s_status != 'completed'
		`, step, step, step)
		if _, err := r.db.ExecContext(ctx, q, now(), runID); err != nil {
			return err
		}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET state = 'pending', last_error = '', current_step = '', updated_at = ?
		WHERE id = ?
	`, now(), runID)
	return err
}

func (r *SQLiteRepository) UpsertTranscript(ctx context.Context, t *Transcript) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, clip_id, text, language, words_json_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(clip_id) DO UPDATE SET
			text = excluded.text,
			language = excluded.language,
			words_json_url = excluded.words_json_url
	`, t.ID, t.ClipID, t.Text, t.Language, nullString(t.WordsJSONURL), t.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetTranscriptByClip(ctx context.Context, clipID string) (*Transcript, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, clip_id, text, language, words_json_url, created_at
		FROM transcripts WHERE clip_id = ?
	`, clipID)

	var t Transcript
	var wordsURL sql.NullString
	var createdAt string
	err := row.Scan(&t.ID, &t.ClipID, &t.Text, &t.Language, &wordsURL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.WordsJSONURL = wordsURL.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func (r *SQLiteRepository) CreateReviewTask(ctx context.Context, task *ReviewTask) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.Status == "" {
		task.Status = ReviewOpen
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO review_tasks (id, clip_id, reviewer_id, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ClipID, nullString(task.ReviewerID), task.Status, nullString(task.Notes),
		task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) CountReviewTasks(ctx context.Context, clipID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_tasks WHERE clip_id = ?`, clipID).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) CloseReviewTasks(ctx context.Context, clipID, reviewerID, status, notes string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE review_tasks SET status = ?, reviewer_id = ?, notes = ?, updated_at = ?
		WHERE clip_id = ? AND status = 'open'
	`, status, nullString(reviewerID), nullString(notes), now(), clipID)
	return err
}

func (r *SQLiteRepository) CreateIndexTask(ctx context.Context, task *IndexTask) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.Status == "" {
		task.Status = RunPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO index_tasks (id, clip_id, kind, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ClipID, task.Kind, task.Status, task.Error,
		task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) ListPendingIndexTasks(ctx context.Context) ([]*IndexTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, clip_id, kind, status, error, created_at, updated_at
		FROM index_tasks WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*IndexTask
	for rows.Next() {
		var t IndexTask
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.ClipID, &t.Kind, &t.Status, &t.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteRepository) ClaimIndexTask(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE index_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'
	`, now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) FinishIndexTask(ctx context.Context, id, status, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE index_tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, errMsg, now(), id)
	return err
}

func (r *SQLiteRepository) GetIndexData(ctx context.Context, clipID string) (*IndexData, error) {
	c, err := r.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	data := &IndexData{Clip: c}

	var creatorName sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, c.CreatorID).Scan(&creatorName)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	data.CreatorName = creatorName.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT t.label_en, t.slug FROM tags t
		JOIN clip_tags ct ON ct.tag_id = t.id
		WHERE ct.clip_id = ? ORDER BY t.slug
	`, clipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var label, slug string
		if err := rows.Scan(&label, &slug); err != nil {
			return nil, err
		}
		data.Tags = append(data.Tags, label)
		data.TagSlugs = append(data.TagSlugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM likes WHERE clip_id = ?`, clipID).Scan(&data.LikeCount); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM play_events WHERE clip_id = ?`, clipID).Scan(&data.PlayCount); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM play_events WHERE clip_id = ? AND completed = 1`, clipID).Scan(&data.CompletedPlays); err != nil {
		return nil, err
	}

	transcript, err := r.GetTranscriptByClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if transcript != nil {
		data.TranscriptText = transcript.Text
	}

	return data, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
