package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/podkiya/media-pipeline/internal/clip"
	"github.com/podkiya/media-pipeline/internal/pipeline"
	"github.com/podkiya/media-pipeline/internal/storage"
)

const presignExpiry = 15 * time.Minute

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthToken, cfg.Logger))

		r.Post("/clips/{id}/process", processHandler(cfg))
		r.Post("/clips/{id}/retry", retryHandler(cfg))
		r.Post("/clips/{id}/reprocess", reprocessHandler(cfg))
		r.Post("/clips/{id}/index", indexUpdateHandler(cfg))
		r.Delete("/clips/{id}/index", indexRemoveHandler(cfg))
		r.Post("/clips/{id}/review", reviewHandler(cfg))
		r.Post("/clips/{id}/engagement", engagementHandler(cfg))
		r.Post("/uploads/sign", signUploadHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
		r.Get("/clips/{id}/runs", listRunsHandler(cfg))
	})

	return r
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrClipNotFound):
		WriteError(w, http.StatusNotFound, "clip not found", "NOT_FOUND")
	case errors.Is(err, pipeline.ErrNoRun):
		WriteError(w, http.StatusNotFound, "clip has no pipeline run", "NOT_FOUND")
	case errors.Is(err, pipeline.ErrRunInFlight):
		WriteError(w, http.StatusConflict, "a run for this clip is already in flight", "CONFLICT")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: "0.1.0",
			UptimeS: uptime,
		})
	}
}

// processHandler accepts either a multipart upload (the raw audio file)
// or a JSON body naming an already-stored object, and starts a run.
func processHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		if clipID == "" {
			WriteError(w, http.StatusBadRequest, "clip id required", "BAD_REQUEST")
			return
		}

		var run *clip.PipelineRun
		var err error

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
			if perr := r.ParseMultipartForm(cfg.MaxUploadBytes); perr != nil {
				WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
				return
			}
			file, header, ferr := r.FormFile("file")
			if ferr != nil {
				WriteError(w, http.StatusBadRequest, "file field is required", "BAD_REQUEST")
				return
			}
			defer file.Close()

			data, rerr := io.ReadAll(file)
			if rerr != nil {
				WriteError(w, http.StatusBadRequest, "failed to read upload", "BAD_REQUEST")
				return
			}

			ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
			if ext == "" {
				ext = "bin"
			}
			run, err = cfg.Orchestrator.ProcessUpload(r.Context(), clipID, data, ext)
		} else {
			var req ProcessRequest
			if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
			if req.StorageKey == "" {
				WriteError(w, http.StatusBadRequest, "storage_key is required", "BAD_REQUEST")
				return
			}
			run, err = cfg.Orchestrator.StartRun(r.Context(), clipID, req.StorageKey, clip.TriggerUpload)
		}

		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func retryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		run, err := cfg.Orchestrator.Retry(r.Context(), clipID)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func reprocessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		run, err := cfg.Orchestrator.Reprocess(r.Context(), clipID)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func indexUpdateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		task, err := cfg.Orchestrator.EnqueueIndexTask(r.Context(), clipID, clip.IndexTaskUpdate)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, IndexTaskResponse{TaskID: task.ID, Kind: task.Kind})
	}
}

func indexRemoveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		task, err := cfg.Orchestrator.EnqueueIndexTask(r.Context(), clipID, clip.IndexTaskRemove)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, IndexTaskResponse{TaskID: task.ID, Kind: task.Kind})
	}
}

func reviewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")

		var req ReviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Decision != clip.ReviewApproved && req.Decision != clip.ReviewRejected {
			WriteError(w, http.StatusBadRequest, "decision must be approved or rejected", "BAD_REQUEST")
			return
		}

		if err := cfg.Orchestrator.Review(r.Context(), clipID, req.ReviewerID, req.Decision, req.Notes); err != nil {
			writeOrchestratorError(w, err)
			return
		}

		c, err := cfg.Repository.GetClip(r.Context(), clipID)
		if err != nil || c == nil {
			WriteError(w, http.StatusInternalServerError, "failed to load clip", "INTERNAL_ERROR")
			return
		}
		resp := ReviewResponse{ClipID: c.ID, Status: c.Status}
		if c.PublishedAt != nil {
			resp.PublishedAt = c.PublishedAt.Format(time.RFC3339)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func engagementHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		if err := cfg.Orchestrator.SyncEngagement(r.Context(), clipID); err != nil {
			writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func signUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.ClipID == "" || req.Ext == "" {
			WriteError(w, http.StatusBadRequest, "clip_id and ext are required", "BAD_REQUEST")
			return
		}

		key := storage.UploadKey(req.ClipID, req.Ext)
		uploadURL, err := cfg.Store.PresignUpload(r.Context(), key, presignExpiry)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to sign upload", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, SignUploadResponse{
			Key:       key,
			UploadURL: uploadURL,
			ExpiresIn: int64(presignExpiry.Seconds()),
		})
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := cfg.Repository.GetRun(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if run == nil {
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := chi.URLParam(r, "id")
		runs, err := cfg.Repository.ListRunsForClip(r.Context(), clipID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		resp := RunsResponse{Runs: make([]RunResponse, len(runs))}
		for i, run := range runs {
			resp.Runs[i] = RunToResponse(run)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
