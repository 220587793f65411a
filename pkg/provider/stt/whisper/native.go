// This file contains the NativeTranscriber implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeTranscriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeTranscriber)(nil)

// NativeTranscriber implements stt.Transcriber using whisper.cpp Go bindings
// (CGO). The model is loaded once at startup and shared across calls; each
// call creates its own inference context.
//
// Only .wav and .pcm inputs are supported. Configure the batch transcode
// target as wav when using this transcriber.
type NativeTranscriber struct {
	model    whisperlib.Model
	language string
	pcm      audio.Format
	metrics  *observe.Metrics
}

// NativeOption is a functional option for configuring a NativeTranscriber.
type NativeOption func(*NativeTranscriber)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(t *NativeTranscriber) { t.language = lang }
}

// WithNativePCMFormat sets the format assumed for headerless .pcm files.
// Defaults to 48 kHz mono s16le.
func WithNativePCMFormat(f audio.Format) NativeOption {
	return func(t *NativeTranscriber) { t.pcm = f }
}

// WithNativeMetrics records inference counts and latency on m.
func WithNativeMetrics(m *observe.Metrics) NativeOption {
	return func(t *NativeTranscriber) { t.metrics = m }
}

// NewNative creates a NativeTranscriber that loads the whisper.cpp model from
// the given file path. The caller must call Close when the transcriber is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	t := &NativeTranscriber{
		model:    model,
		language: defaultLanguage,
		pcm:      audio.CaptureFormat,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *NativeTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// TranscribeFile decodes the file at path, resamples it to whisper's
// 16 kHz mono input and returns the concatenated segment text.
func (t *NativeTranscriber) TranscribeFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	pcm, format, err := readAudioFile(path, t.pcm)
	if err != nil {
		return "", err
	}
	conv := audio.FormatConverter{From: format, To: audio.Format{SampleRate: whisperSampleRate, Channels: format.Channels, SampleFormat: audio.SampleS16LE}}
	samples := pcmToFloat32Mono(conv.Convert(pcm), format.Channels)

	start := time.Now()
	text, err := t.infer(samples)
	t.metrics.RecordProviderRequest(ctx, "whisper-native", "transcribe", time.Since(start), err)
	return text, err
}

// infer runs whisper.cpp inference on 16 kHz mono samples using a fresh
// context and returns the concatenated text.
func (t *NativeTranscriber) infer(samples []float32) (string, error) {
	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(t.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", t.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
