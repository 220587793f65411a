package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultMode              = "live"
	DefaultWarmupSkip        = 150
	DefaultMinBytes          = 5
	DefaultDecoderResetAfter = 10
	DefaultSegmentDuration   = 20 * time.Second
	DefaultRecordingsDir     = "recordings"
	DefaultTranscriptsDir    = "transcripts"
	DefaultRecognizerRate    = 16000
	DefaultMaxRetries        = 3
	DefaultBackoff           = time.Second
	DefaultMaxBackoff        = 10 * time.Second
	DefaultEngine            = "ffmpeg"
	DefaultCodec             = "mp3"
	DefaultArtifactRate      = 16000
	DefaultOfflineWorkers    = 2

	DefaultFailoverMaxFailures = 3
	DefaultFailoverCooldown    = 30 * time.Second
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer":  {"assemblyai", "deepgram"},
	"transcriber": {"whisper", "whisper-native"},
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references in r, decodes the YAML, applies
// defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Capture.Mode, DefaultMode)
	setDefault(&cfg.Capture.WarmupSkip, DefaultWarmupSkip)
	setDefault(&cfg.Capture.MinBytes, DefaultMinBytes)
	setDefault(&cfg.Capture.QueuePolicy, "block")
	if cfg.Capture.DecoderResetAfter == nil {
		n := DefaultDecoderResetAfter
		cfg.Capture.DecoderResetAfter = &n
	}

	setDefault(&cfg.Segment.Duration, DefaultSegmentDuration)
	setDefault(&cfg.Segment.Dir, DefaultRecordingsDir)

	setDefault(&cfg.Recognizer.SampleRate, DefaultRecognizerRate)
	setDefault(&cfg.Recognizer.Backoff, DefaultBackoff)
	setDefault(&cfg.Recognizer.MaxBackoff, DefaultMaxBackoff)
	if cfg.Recognizer.MaxRetries == nil {
		n := DefaultMaxRetries
		cfg.Recognizer.MaxRetries = &n
	}

	setDefault(&cfg.Transcode.Engine, DefaultEngine)
	setDefault(&cfg.Transcode.Codec, DefaultCodec)
	setDefault(&cfg.Transcode.SampleRate, DefaultArtifactRate)
	setDefault(&cfg.Transcode.Channels, 1)

	setDefault(&cfg.Transcripts.Dir, DefaultTranscriptsDir)
	setDefault(&cfg.Offline.Concurrency, DefaultOfflineWorkers)

	setDefault(&cfg.Failover.MaxFailures, DefaultFailoverMaxFailures)
	setDefault(&cfg.Failover.Cooldown, DefaultFailoverCooldown)
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("discord.queue_size %d must not be negative", cfg.Discord.QueueSize))
	}

	mode := cfg.Capture.Mode
	if mode != "live" && mode != "batch" {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: live, batch", mode))
	}
	if cfg.Capture.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("capture.min_bytes %d must not be negative", cfg.Capture.MinBytes))
	}
	if n := cfg.Capture.DecoderResetAfter; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("capture.decoder_reset_after %d must not be negative", *n))
	}
	if p := cfg.Capture.QueuePolicy; p != "block" && p != "drop-oldest" {
		errs = append(errs, fmt.Errorf("capture.queue_policy %q is invalid; valid values: block, drop-oldest", p))
	}

	if cfg.Segment.Duration < 0 {
		errs = append(errs, fmt.Errorf("segment.duration %s must not be negative", cfg.Segment.Duration))
	}

	if mode == "live" && cfg.Recognizer.Name == "" {
		errs = append(errs, errors.New("recognizer.name is required in live mode"))
	}
	validateProviderName("recognizer", cfg.Recognizer.Name)
	if n := cfg.Recognizer.MaxRetries; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("recognizer.max_retries %d must not be negative", *n))
	}
	if cfg.Recognizer.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("recognizer.sample_rate %d must be positive", cfg.Recognizer.SampleRate))
	}

	switch cfg.Transcode.Engine {
	case "ffmpeg":
	case "native":
		if cfg.Transcode.Codec == "mp3" {
			errs = append(errs, errors.New("transcode.codec mp3 requires the ffmpeg engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("transcode.engine %q is invalid; valid values: ffmpeg, native", cfg.Transcode.Engine))
	}
	if !slices.Contains([]string{"mp3", "wav", "pcm", "pcm_s16le", "s16le"}, cfg.Transcode.Codec) {
		errs = append(errs, fmt.Errorf("transcode.codec %q is invalid; valid values: mp3, wav, pcm_s16le", cfg.Transcode.Codec))
	}
	if cfg.Transcode.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("transcode.sample_rate %d must be positive", cfg.Transcode.SampleRate))
	}
	if c := cfg.Transcode.Channels; c != 1 && c != 2 {
		errs = append(errs, fmt.Errorf("transcode.channels %d is invalid; valid values: 1, 2", c))
	}

	if cfg.Offline.Enabled {
		if mode != "batch" {
			slog.Warn("offline.enabled has no effect outside batch mode")
		}
		if cfg.Offline.Transcriber.Name == "" {
			errs = append(errs, errors.New("offline.transcriber.name is required when offline is enabled"))
		}
	}
	validateProviderName("transcriber", cfg.Offline.Transcriber.Name)

	if cfg.Summary.Enabled && cfg.Summary.LLM.Name == "" {
		errs = append(errs, errors.New("summary.llm.name is required when summary is enabled"))
	}
	validateProviderName("llm", cfg.Summary.LLM.Name)

	errs = append(errs, validateFallbacks("recognizer", cfg.Recognizer.Fallbacks)...)
	errs = append(errs, validateFallbacks("transcriber", cfg.Offline.Fallbacks)...)
	errs = append(errs, validateFallbacks("llm", cfg.Summary.Fallbacks)...)
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("failover.cooldown %s must not be negative", cfg.Failover.Cooldown))
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s fallback %d: name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
