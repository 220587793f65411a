// Package config provides the configuration schema, loader, and provider
// registry for voicescribe.
package config

import "time"

// LogLevel controls log verbosity for the voicescribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicescribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Discord     DiscordConfig     `yaml:"discord"`
	Capture     CaptureConfig     `yaml:"capture"`
	Segment     SegmentConfig     `yaml:"segment"`
	Recognizer  RecognizerConfig  `yaml:"recognizer"`
	Transcode   TranscodeConfig   `yaml:"transcode"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Offline     OfflineConfig     `yaml:"offline"`
	Summary     SummaryConfig     `yaml:"summary"`
	Failover    FailoverConfig    `yaml:"failover"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics endpoint
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of traces kept, in [0, 1]. Zero keeps
	// every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DiscordConfig holds the bot credentials and transport settings.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied as ${DISCORD_TOKEN}.
	Token string `yaml:"token"`

	// GuildIDs restricts the bot to these guilds. Empty means every guild
	// the bot is a member of.
	GuildIDs []string `yaml:"guild_ids"`

	// QueueSize bounds each speaker's transport frame queue. The receive
	// loop drops the oldest frame when a queue is full.
	QueueSize int `yaml:"queue_size"`
}

// CaptureConfig configures the per-speaker validate → decode pipeline.
type CaptureConfig struct {
	// Mode is "live" (stream to a recognizer) or "batch" (record segments
	// for the offline pass).
	Mode string `yaml:"mode"`

	// WarmupSkip is the number of leading frames discarded per speaker.
	// Negative disables the warm-up run.
	WarmupSkip int `yaml:"warmup_skip"`

	// MinBytes is the minimum payload size of a valid frame.
	MinBytes int `yaml:"min_bytes"`

	// DecoderResetAfter recreates the Opus decoder after this many
	// consecutive decode failures. Zero disables recreation.
	DecoderResetAfter *int `yaml:"decoder_reset_after"`

	// QueueSize bounds the decoded PCM queue in front of the stage.
	QueueSize int `yaml:"queue_size"`

	// QueuePolicy is "block" or "drop-oldest".
	QueuePolicy string `yaml:"queue_policy"`
}

// SegmentConfig configures the batch recordings.
type SegmentConfig struct {
	// Duration is the length of every non-final segment.
	Duration time.Duration `yaml:"duration"`

	// Dir is the recordings area.
	Dir string `yaml:"dir"`
}

// RecognizerConfig selects the streaming recognizer used in live mode.
type RecognizerConfig struct {
	ProviderEntry `yaml:",inline"`

	// SampleRate is the PCM rate sent to the recognizer.
	SampleRate int `yaml:"sample_rate"`

	// MaxRetries is the number of reconnect attempts after a dropped
	// connection. Zero disables reconnection.
	MaxRetries *int `yaml:"max_retries"`

	// Backoff is the initial reconnect delay; it doubles up to MaxBackoff.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Fallbacks are tried in order when the primary recognizer cannot
	// start a stream.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// TranscodeConfig selects the transcoding engine and the batch artifact
// encoding.
type TranscodeConfig struct {
	// Engine is "ffmpeg" or "native".
	Engine string `yaml:"engine"`

	// Binary overrides the ffmpeg executable.
	Binary string `yaml:"binary"`

	// Codec is the batch artifact codec: mp3, wav or pcm_s16le.
	Codec string `yaml:"codec"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Bitrate in kbit/s for mp3.
	Bitrate int `yaml:"bitrate"`
}

// TranscriptsConfig configures where transcript logs are written.
type TranscriptsConfig struct {
	Dir string `yaml:"dir"`
}

// OfflineConfig configures the offline transcription pass over the
// recordings area.
type OfflineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Concurrency bounds how many speakers are transcribed in parallel.
	Concurrency int `yaml:"concurrency"`

	// Transcriber selects the file transcriber ("whisper" or
	// "whisper-native").
	Transcriber ProviderEntry `yaml:"transcriber"`

	// Fallbacks are tried in order when Transcriber fails on a file.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// SummaryConfig configures the transcript summariser.
type SummaryConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxTokens caps the generated summary. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// LLM selects the model backend.
	LLM ProviderEntry `yaml:"llm"`

	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// FailoverConfig tunes the circuit breaker placed in front of every provider
// that has fallbacks.
type FailoverConfig struct {
	// MaxFailures is the number of consecutive failures that takes a
	// provider out of rotation.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long a failed provider is skipped before it is
	// tried again.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "assemblyai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2",
	// a whisper model path, "gemini-2.5-flash").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or "" if it is absent or not
// a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionDuration returns the option key parsed as a duration. Integers are
// read as milliseconds.
func (e ProviderEntry) OptionDuration(key string) (time.Duration, bool) {
	switch v := e.Options[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	case int:
		return time.Duration(v) * time.Millisecond, true
	}
	return 0, false
}
