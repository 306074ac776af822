// Package audio implements the transform service: validation, transcoding to
// a single canonical format, and waveform envelope extraction. It has no
// storage side effects; callers persist the outputs.
package audio

import (
	"context"
	"fmt"
)

// Canonical output format shared by every clip on the platform.
const (
	CanonicalSampleRate = 44100
	CanonicalChannels   = 2
	CanonicalBitrate    = 96 // kbps
	CanonicalExt        = "mp3"
	CanonicalMIME       = "audio/mpeg"

	// DefaultWaveformSamples is the envelope resolution clients render.
	DefaultWaveformSamples = 100

	// DefaultMaxDurationSec is the platform's maximum clip length.
	DefaultMaxDurationSec = 180.0
)

// DecodeError means the input stream could not be parsed at all.
type DecodeError struct {
	Stderr string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode audio: %s", e.Stderr)
}

// TranscodeError means decode succeeded but re-encoding failed.
type TranscodeError struct {
	Stderr string
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("cannot transcode audio: %s", e.Stderr)
}

// Validation failure reasons, user-visible as clip rejection reasons.
const (
	ReasonInvalidFormat    = "Audio file is empty, corrupted, or in an unsupported format"
	ReasonDurationExceeded = "Audio exceeds the 3 minute limit"
)

type ValidationResult struct {
	Valid       bool    `json:"valid"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type Waveform struct {
	Samples     []float64 `json:"samples"`
	DurationSec float64   `json:"duration"`
	SampleRate  int       `json:"sampleRate"`
}

type Service struct {
	ffmpeg         FFmpeg
	maxDurationSec float64
}

func NewService(ffmpeg FFmpeg, maxDurationSec float64) *Service {
	if maxDurationSec <= 0 {
		maxDurationSec = DefaultMaxDurationSec
	}
	return &Service{ffmpeg: ffmpeg, maxDurationSec: maxDurationSec}
}

// Validate probes the stream and checks it against the duration cap. An
// undecodable or zero-length stream is invalid, not an error; the error
// return is reserved for operational failures (missing binary, timeout).
func (s *Service) Validate(ctx context.Context, input []byte) (ValidationResult, error) {
	probe, err := s.ffmpeg.Probe(ctx, input)
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return ValidationResult{Valid: false, Reason: ReasonInvalidFormat}, nil
		}
		return ValidationResult{}, err
	}

	if probe.Duration <= 0 {
		return ValidationResult{Valid: false, Reason: ReasonInvalidFormat}, nil
	}

	if probe.Duration > s.maxDurationSec {
		return ValidationResult{Valid: false, DurationSec: probe.Duration, Reason: ReasonDurationExceeded}, nil
	}

	return ValidationResult{Valid: true, DurationSec: probe.Duration}, nil
}

// Transcode re-encodes to canonical mp3 so every downstream consumer sees
// uniform audio.
func (s *Service) Transcode(ctx context.Context, input []byte, bitrateKbps int) ([]byte, error) {
	if bitrateKbps <= 0 {
		bitrateKbps = CanonicalBitrate
	}
	return s.ffmpeg.Transcode(ctx, input, bitrateKbps)
}

// GenerateWaveform decodes to PCM and computes a fixed-length RMS amplitude
// envelope. Output is deterministic for a given input and sample count.
func (s *Service) GenerateWaveform(ctx context.Context, input []byte, sampleCount int) (*Waveform, error) {
	if sampleCount <= 0 {
		sampleCount = DefaultWaveformSamples
	}

	pcm, rate, err := s.ffmpeg.DecodePCM(ctx, input)
	if err != nil {
		return nil, err
	}

	envelope := ComputeEnvelope(pcm, sampleCount)

	return &Waveform{
		Samples:     envelope,
		DurationSec: float64(len(pcm)) / float64(rate),
		SampleRate:  rate,
	}, nil
}
