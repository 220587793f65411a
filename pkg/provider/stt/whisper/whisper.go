// Package whisper provides whisper.cpp-backed offline transcribers.
//
// [Transcriber] uploads a recorded file to a running whisper-server binary
// (REST API at POST /inference). [NativeTranscriber] runs inference in-process
// through the whisper.cpp CGO bindings. Both implement stt.Transcriber and
// serve the batch pass over recorded segments.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := t.TranscribeFile(ctx, "recordings/42-1700000000000-chunk0.mp3")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 120 * time.Second
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithPCMFormat sets the format assumed for headerless .pcm files, which are
// wrapped in a WAV container before upload. Defaults to 48 kHz mono s16le.
func WithPCMFormat(f audio.Format) Option {
	return func(t *Transcriber) {
		t.pcm = f
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout bounds each request.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// WithMetrics records request counts and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) {
		t.metrics = m
	}
}

// Transcriber implements stt.Transcriber backed by a whisper.cpp HTTP server.
// It is safe for concurrent use.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	pcm        audio.Format
	httpClient *http.Client
	metrics    *observe.Metrics
}

// New creates a Transcriber that talks to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		pcm:        audio.CaptureFormat,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// TranscribeFile uploads the file at path and returns the recognised text,
// trimmed of surrounding whitespace. Headerless .pcm files are wrapped in a
// WAV container first; other containers are uploaded unchanged.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("whisper: read %s: %w", path, err)
	}
	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(path), ".pcm") {
		data = encodeWAV(data, t.pcm.SampleRate, t.pcm.Channels)
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".wav"
	}

	start := time.Now()
	text, err := t.infer(ctx, name, data)
	t.metrics.RecordProviderRequest(ctx, "whisper", "transcribe", time.Since(start), err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// infer POSTs the audio to the whisper.cpp /inference endpoint as
// multipart/form-data. It returns the transcribed text or an error.
func (t *Transcriber) infer(ctx context.Context, name string, audioData []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audioData); err != nil {
		return "", fmt.Errorf("whisper: write audio data: %w", err)
	}

	// Optional hint fields.
	if t.language != "" {
		if err := mw.WriteField("language", t.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := t.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return result.Text, nil
}
