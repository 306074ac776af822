package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/podkiya/media-pipeline/internal/audio"
	"github.com/podkiya/media-pipeline/internal/clip"
	"github.com/podkiya/media-pipeline/internal/db"
	"github.com/podkiya/media-pipeline/internal/pipeline"
)

const testToken = "svc-token-1234"

type stubConfig struct{}

func (s *stubConfig) Port() int                        { return 0 }
func (s *stubConfig) LogLevel() string                 { return "error" }
func (s *stubConfig) DataDir() string                  { return "" }
func (s *stubConfig) DBPath() string                   { return "" }
func (s *stubConfig) AuthToken() string                { return testToken }
func (s *stubConfig) Workers() int                     { return 1 }
func (s *stubConfig) MaxUploadBytes() int64            { return 1 << 20 }
func (s *stubConfig) S3Endpoint() string               { return "" }
func (s *stubConfig) S3AccessKey() string              { return "" }
func (s *stubConfig) S3SecretKey() string              { return "" }
func (s *stubConfig) S3Bucket() string                 { return "" }
func (s *stubConfig) S3PublicURL() string              { return "https://cdn.test" }
func (s *stubConfig) S3UseSSL() bool                   { return false }
func (s *stubConfig) MeiliHost() string                { return "" }
func (s *stubConfig) MeiliAPIKey() string              { return "" }
func (s *stubConfig) MeiliIndex() string               { return "clips" }
func (s *stubConfig) OpenAIKey() string                { return "" }
func (s *stubConfig) TranscodeTimeout() time.Duration  { return time.Second }
func (s *stubConfig) TranscribeTimeout() time.Duration { return time.Second }
func (s *stubConfig) StorageTimeout() time.Duration    { return time.Second }
func (s *stubConfig) SearchTimeout() time.Duration     { return time.Second }
func (s *stubConfig) StepAttempts() int                { return 1 }

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	return m.objects[key], nil
}

func (m *memStore) PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?sig=up", nil
}

func (m *memStore) PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?sig=down", nil
}

func (m *memStore) PublicURL(key string) string { return "https://cdn.test/" + key }

func testRouter(t *testing.T) (http.Handler, clip.Repository, *memStore) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := clip.NewRepository(database.Conn())
	store := &memStore{objects: map[string][]byte{}}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	orch := pipeline.NewOrchestrator(repo, store, audio.NewService(nil, 0), nil, nil, &stubConfig{}, logger)
	router := NewRouter(ServerConfig{
		Port:           0,
		AuthToken:      testToken,
		MaxUploadBytes: 1 << 20,
		Repository:     repo,
		Orchestrator:   orch,
		Store:          store,
		Logger:         logger,
		StartTime:      time.Now(),
	})
	return router, repo, store
}

func seedClip(t *testing.T, repo clip.Repository, clipID string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateUser(ctx, "creator-1", "Amina"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	c := &clip.Clip{ID: clipID, CreatorID: "creator-1", Title: "Test clip", Language: "en", Status: clip.StatusDraft}
	if err := repo.CreateClip(ctx, c); err != nil {
		t.Fatalf("CreateClip: %v", err)
	}
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestHealthNeedsNoAuth(t *testing.T) {
	router, _, _ := testRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("health status = %q", resp.Status)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestAuthRequired(t *testing.T) {
	router, _, _ := testRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rr.Code)
	}
}

func TestProcessWithStorageKey(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	body := strings.NewReader(`{"storage_key":"uploads/clip-1/original.wav"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/process", body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	var resp RunResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != clip.RunPending || resp.ClipID != "clip-1" {
		t.Errorf("run = %+v", resp)
	}

	run, err := repo.GetRun(context.Background(), resp.ID)
	if err != nil || run == nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if run.RawKey != "uploads/clip-1/original.wav" {
		t.Errorf("raw key = %q", run.RawKey)
	}
}

func TestProcessMultipartStoresUpload(t *testing.T) {
	router, repo, store := testRouter(t)
	seedClip(t, repo, "clip-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "lesson.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("raw-audio-bytes"))
	mw.Close()

	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/process", &buf))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	if _, ok := store.objects["uploads/clip-1/original.wav"]; !ok {
		t.Errorf("raw upload not stored, keys: %v", store.objects)
	}
}

func TestProcessRequiresStorageKeyOrFile(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/process", strings.NewReader(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestProcessUnknownClip(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"storage_key":"uploads/nope/original.wav"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/clips/nope/process", body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestSecondProcessConflicts(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	for i, want := range []int{http.StatusAccepted, http.StatusConflict} {
		body := strings.NewReader(`{"storage_key":"uploads/clip-1/original.wav"}`)
		req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/process", body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d status = %d, want %d", i, rr.Code, want)
		}
	}
}

func TestRetryWithoutRun(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/retry", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	router, _, _ := testRouter(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	body := strings.NewReader(`{"storage_key":"uploads/clip-1/original.wav"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/process", body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("process status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authed(httptest.NewRequest(http.MethodGet, "/clips/clip-1/runs", nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp RunsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Errorf("runs = %d, want 1", len(resp.Runs))
	}
}

func TestSignUpload(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"clip_id":"clip-9","ext":"wav"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/uploads/sign", body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp SignUploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Key != "uploads/clip-9/original.wav" || resp.UploadURL == "" {
		t.Errorf("sign response = %+v", resp)
	}
}

func TestReviewRejectsUnknownDecision(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	body := strings.NewReader(`{"reviewer_id":"r1","decision":"maybe"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/review", body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestIndexTriggerEndpoints(t *testing.T) {
	router, repo, _ := testRouter(t)
	seedClip(t, repo, "clip-1")

	req := authed(httptest.NewRequest(http.MethodPost, "/clips/clip-1/index", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("update trigger status = %d, want 202", rr.Code)
	}

	req = authed(httptest.NewRequest(http.MethodDelete, "/clips/clip-1/index", nil))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("remove trigger status = %d, want 202", rr.Code)
	}

	tasks, err := repo.ListPendingIndexTasks(context.Background())
	if err != nil {
		t.Fatalf("ListPendingIndexTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("pending tasks = %d, want 2", len(tasks))
	}
}
