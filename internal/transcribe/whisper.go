// Package transcribe produces transcripts with word-level timing from
// transcoded clip audio, using the OpenAI Whisper API.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

// Transcriber is the speech-to-text contract the orchestrator depends on.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, languageHint string) (*Result, error)
}

// UnavailableError means the engine could not be reached; retryable.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("transcription engine unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) IsRetryable() bool { return true }

// EngineError means the engine responded but the request cannot succeed;
// permanent for this run.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) IsRetryable() bool { return false }

// whisperAPI is the slice of the OpenAI client the service uses; it exists
// so tests can substitute a fake. *openai.Client satisfies it.
type whisperAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// WhisperTranscriber calls the Whisper API with word timestamp granularity.
type WhisperTranscriber struct {
	api    whisperAPI
	logger *slog.Logger
}

func NewWhisperTranscriber(apiKey string, logger *slog.Logger) *WhisperTranscriber {
	return &WhisperTranscriber{
		api:    openai.NewClient(apiKey),
		logger: logger,
	}
}

func newWithAPI(api whisperAPI, logger *slog.Logger) *WhisperTranscriber {
	return &WhisperTranscriber{api: api, logger: logger}
}

// Transcribe sends the audio to Whisper. Silence is a valid non-error
// outcome: empty text, empty word list.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, languageHint string) (*Result, error) {
	req := openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "audio.mp3",
		Reader:   bytes.NewReader(audio),
		Language: languageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	}

	resp, err := t.api.CreateTranscription(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	result := &Result{Text: resp.Text, Words: []Word{}}
	for _, w := range resp.Words {
		result.Words = append(result.Words, Word{
			Word:  w.Word,
			Start: w.Start,
			End:   w.End,
			// Whisper does not report per-word confidence.
			Confidence: 1.0,
		})
	}

	if t.logger != nil {
		t.logger.Debug("transcription finished", "chars", len(result.Text), "words", len(result.Words))
	}

	return result, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429 {
			return &UnavailableError{Err: err}
		}
		return &EngineError{Err: err}
	}
	// Transport-level failure: engine unreachable.
	return &UnavailableError{Err: err}
}
