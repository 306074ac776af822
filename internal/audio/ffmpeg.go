package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

// FFmpeg is the decoder/encoder contract the transform service is built on.
// The exec implementation shells out to ffmpeg/ffprobe; tests substitute a
// fake.
type FFmpeg interface {
	// Probe parses the stream and returns its format metadata.
	Probe(ctx context.Context, input []byte) (*ProbeResult, error)

	// Transcode re-encodes the stream to canonical mp3 at the given bitrate,
	// 44100 Hz, 2 channels.
	Transcode(ctx context.Context, input []byte, bitrateKbps int) ([]byte, error)

	// DecodePCM decodes the stream to mono signed 16-bit PCM and returns the
	// samples with their sample rate.
	DecodePCM(ctx context.Context, input []byte) ([]int16, int, error)
}

type ProbeResult struct {
	Duration   float64
	Format     string
	Codec      string
	SampleRate int
	Channels   int
}

// ExecFFmpeg runs the ffmpeg and ffprobe binaries as subprocesses, piping
// audio through stdin/stdout so no temp files are needed.
type ExecFFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewExecFFmpeg(logger *slog.Logger) *ExecFFmpeg {
	return &ExecFFmpeg{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		logger:      logger,
	}
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

func (f *ExecFFmpeg) Probe(ctx context.Context, input []byte) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=format_name,duration",
		"-show_entries", "stream=codec_type,codec_name,sample_rate,channels",
		"-of", "json",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DecodeError{Stderr: tail(stderr.String())}
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe output: %w", err)
	}

	result := &ProbeResult{Format: out.Format.FormatName}
	result.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)

	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		result.Codec = s.CodecName
		result.Channels = s.Channels
		result.SampleRate, _ = strconv.Atoi(s.SampleRate)
		break
	}

	if result.Codec == "" {
		return nil, &DecodeError{Stderr: "no audio stream found"}
	}

	return result, nil
}

func (f *ExecFFmpeg) Transcode(ctx context.Context, input []byte, bitrateKbps int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-ac", strconv.Itoa(CanonicalChannels),
		"-f", "mp3",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TranscodeError{Stderr: tail(stderr.String())}
	}

	if stdout.Len() == 0 {
		return nil, &TranscodeError{Stderr: "encoder produced no output"}
	}

	if f.logger != nil {
		f.logger.Debug("transcode finished", "in_bytes", len(input), "out_bytes", stdout.Len())
	}

	return stdout.Bytes(), nil
}

func (f *ExecFFmpeg) DecodePCM(ctx context.Context, input []byte) ([]int16, int, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-c:a", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &DecodeError{Stderr: tail(stderr.String())}
	}

	raw := stdout.Bytes()
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}

	return samples, CanonicalSampleRate, nil
}

func tail(s string) string {
	if len(s) <= maxStderrBytes {
		return s
	}
	return s[len(s)-maxStderrBytes:]
}
