package api

import (
	"time"

	"github.com/podkiya/media-pipeline/internal/clip"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type ProcessRequest struct {
	StorageKey string `json:"storage_key,omitempty"`
}

type StepResponse struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type RunResponse struct {
	ID          string       `json:"id"`
	ClipID      string       `json:"clip_id"`
	Trigger     string       `json:"trigger"`
	State       string       `json:"state"`
	CurrentStep string       `json:"current_step,omitempty"`
	Transcode   StepResponse `json:"transcode"`
	Transcribe  StepResponse `json:"transcribe"`
	Index       StepResponse `json:"index"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type IndexTaskResponse struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
}

type ReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	Notes      string `json:"notes,omitempty"`
}

type ReviewResponse struct {
	ClipID      string `json:"clip_id"`
	Status      string `json:"status"`
	PublishedAt string `json:"published_at,omitempty"`
}

type SignUploadRequest struct {
	ClipID string `json:"clip_id"`
	Ext    string `json:"ext"`
}

type SignUploadResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"upload_url"`
	ExpiresIn int64  `json:"expires_in_s"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func stepToResponse(s clip.StepState) StepResponse {
	return StepResponse{Status: s.Status, Attempts: s.Attempts, Error: s.Error}
}

func RunToResponse(r *clip.PipelineRun) RunResponse {
	return RunResponse{
		ID:          r.ID,
		ClipID:      r.ClipID,
		Trigger:     r.Trigger,
		State:       r.State,
		CurrentStep: r.CurrentStep,
		Transcode:   stepToResponse(r.Transcode),
		Transcribe:  stepToResponse(r.Transcribe),
		Index:       stepToResponse(r.Index),
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
}
