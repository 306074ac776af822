package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/podkiya/media-pipeline/internal/clip"
)

// Document is the denormalized clip record pushed to the search engine.
// The primary key is clipId, so re-indexing a clip replaces its document.
type Document struct {
	ClipID            string   `json:"clipId"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Language          string   `json:"language"`
	Tags              []string `json:"tags"`
	TagSlugs          []string `json:"tagSlugs"`
	CreatorID         string   `json:"creatorId"`
	CreatorName       string   `json:"creatorName"`
	TranscriptSnippet *string  `json:"transcriptSnippet"`
	DurationSec       float64  `json:"durationSec"`
	ThumbnailURL      string   `json:"thumbnailUrl"`
	AudioURL          string   `json:"audioUrl"`
	PublishedAt       int64    `json:"publishedAt"`
	LikeCount         int      `json:"likeCount"`
	PlayCount         int      `json:"playCount"`
	CompletionRate    int      `json:"completionRate"`
}

// NewDocument flattens aggregated clip data into a search document.
// snippet may be nil when the clip has no transcript.
func NewDocument(data *clip.IndexData, snippet *string) Document {
	var published int64
	if data.Clip.PublishedAt != nil {
		published = data.Clip.PublishedAt.Unix()
	}
	return Document{
		ClipID:            data.Clip.ID,
		Title:             data.Clip.Title,
		Description:       data.Clip.Description,
		Language:          data.Clip.Language,
		Tags:              data.Tags,
		TagSlugs:          data.TagSlugs,
		CreatorID:         data.Clip.CreatorID,
		CreatorName:       data.CreatorName,
		TranscriptSnippet: snippet,
		DurationSec:       data.Clip.DurationSec,
		ThumbnailURL:      data.Clip.ThumbURL,
		AudioURL:          data.Clip.AudioURL,
		PublishedAt:       published,
		LikeCount:         data.LikeCount,
		PlayCount:         data.PlayCount,
		CompletionRate:    data.CompletionRate(),
	}
}

// EngagementUpdate carries only the volatile counters so engagement
// syncs do not overwrite the rest of the document.
type EngagementUpdate struct {
	ClipID         string `json:"clipId"`
	LikeCount      int    `json:"likeCount"`
	PlayCount      int    `json:"playCount"`
	CompletionRate int    `json:"completionRate"`
}

// IndexError wraps a failed search engine call.
type IndexError struct {
	Op        string
	ClipID    string
	Err       error
	Retryable bool
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("search %s clip %s: %v", e.Op, e.ClipID, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) IsRetryable() bool { return e.Retryable }

// Indexer abstracts the search engine.
type Indexer interface {
	Index(ctx context.Context, doc Document) error
	UpdateEngagement(ctx context.Context, update EngagementUpdate) error
	Remove(ctx context.Context, clipID string) error
}

type searchIndex interface {
	AddDocuments(documentsPtr interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error)
	UpdateDocuments(documentsPtr interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error)
	DeleteDocument(identifier string) (*meilisearch.TaskInfo, error)
}

// MeiliIndexer pushes documents to a Meilisearch index.
type MeiliIndexer struct {
	index  searchIndex
	logger *slog.Logger
}

func NewMeiliIndexer(host, apiKey, indexName string, logger *slog.Logger) *MeiliIndexer {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:    host,
		APIKey:  apiKey,
		Timeout: 30 * time.Second,
	})
	return &MeiliIndexer{index: client.Index(indexName), logger: logger}
}

func newWithIndex(index searchIndex, logger *slog.Logger) *MeiliIndexer {
	return &MeiliIndexer{index: index, logger: logger}
}

func (m *MeiliIndexer) Index(ctx context.Context, doc Document) error {
	if _, err := m.index.AddDocuments([]Document{doc}, "clipId"); err != nil {
		return classify("index", doc.ClipID, err)
	}
	m.logger.Debug("clip indexed", "clip_id", doc.ClipID)
	return nil
}

func (m *MeiliIndexer) UpdateEngagement(ctx context.Context, update EngagementUpdate) error {
	if _, err := m.index.UpdateDocuments([]EngagementUpdate{update}, "clipId"); err != nil {
		return classify("update", update.ClipID, err)
	}
	return nil
}

func (m *MeiliIndexer) Remove(ctx context.Context, clipID string) error {
	if _, err := m.index.DeleteDocument(clipID); err != nil {
		ierr := classify("remove", clipID, err)
		// A document that never made it to the index is already removed.
		if !ierr.Retryable && isNotFound(err) {
			return nil
		}
		return ierr
	}
	m.logger.Debug("clip removed from index", "clip_id", clipID)
	return nil
}

func classify(op, clipID string, err error) *IndexError {
	var merr *meilisearch.Error
	if errors.As(err, &merr) {
		retryable := merr.StatusCode == 0 || merr.StatusCode >= 500 || merr.StatusCode == 429
		return &IndexError{Op: op, ClipID: clipID, Err: err, Retryable: retryable}
	}
	// No structured response means we never got an answer from the engine.
	return &IndexError{Op: op, ClipID: clipID, Err: err, Retryable: true}
}

func isNotFound(err error) bool {
	var merr *meilisearch.Error
	return errors.As(err, &merr) && merr.StatusCode == 404
}
