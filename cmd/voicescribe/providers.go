package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicescribe/internal/app"
	"github.com/MrWong99/voicescribe/internal/config"
	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/internal/resilience"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/llm"
	"github.com/MrWong99/voicescribe/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicescribe/pkg/provider/llm/openai"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	"github.com/MrWong99/voicescribe/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/voicescribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicescribe/pkg/provider/stt/whisper"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, m *observe.Metrics) {
	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("assemblyai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []assemblyai.Option{
			assemblyai.WithEndpoint(entry.BaseURL),
			assemblyai.WithTerminationMessage(entry.OptionString("termination_message")),
			assemblyai.WithLogger(slog.Default().With("provider", "assemblyai")),
			assemblyai.WithMetrics(m),
		}
		if d, ok := entry.OptionDuration("chunk_duration"); ok {
			opts = append(opts, assemblyai.WithChunkDuration(d))
		}
		if d, ok := entry.OptionDuration("close_timeout"); ok {
			opts = append(opts, assemblyai.WithCloseTimeout(d))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(cfg.Recognizer.SampleRate)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── File transcribers ─────────────────────────────────────────────────────

	// Headerless .pcm artifacts carry the transcode target layout.
	pcm := audio.Format{
		SampleRate:   cfg.Transcode.SampleRate,
		Channels:     cfg.Transcode.Channels,
		SampleFormat: audio.SampleS16LE,
	}

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []whisper.Option{whisper.WithPCMFormat(pcm), whisper.WithMetrics(m)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativePCMFormat(pcm), whisper.WithNativeMetrics(m)}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{openai.WithMetrics(m)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := entry.OptionDuration("timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile and
	// ollama share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p.WithMetrics(m), nil
		})
	}
}

// buildProviders instantiates the providers the configured mode needs. A
// provider with fallbacks is wrapped in a failover chain. The returned
// closers release transcriber resources at shutdown.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	bc := resilience.BreakerConfig{MaxFailures: cfg.Failover.MaxFailures, Cooldown: cfg.Failover.Cooldown}

	if cfg.Capture.Mode == "live" {
		entries := append([]config.ProviderEntry{cfg.Recognizer.ProviderEntry}, cfg.Recognizer.Fallbacks...)
		f, err := buildChain("recognizer", entries, reg.CreateRecognizer, bc)
		if err != nil {
			return nil, nil, err
		}
		ps.Recognizer = unwrap(f, func(f *resilience.Failover[stt.Provider]) stt.Provider { return resilience.Recognizer{Failover: f} })
	}

	if cfg.Capture.Mode == "batch" && cfg.Offline.Enabled {
		entries := append([]config.ProviderEntry{cfg.Offline.Transcriber}, cfg.Offline.Fallbacks...)
		create := func(e config.ProviderEntry) (stt.Transcriber, error) {
			t, err := reg.CreateTranscriber(e)
			if c, ok := t.(interface{ Close() error }); ok && err == nil {
				closers = append(closers, c.Close)
			}
			return t, err
		}
		f, err := buildChain("transcriber", entries, create, bc)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll(closers))
		}
		ps.Transcriber = unwrap(f, func(f *resilience.Failover[stt.Transcriber]) stt.Transcriber { return resilience.Transcriber{Failover: f} })
	}

	if cfg.Summary.Enabled {
		entries := append([]config.ProviderEntry{cfg.Summary.LLM}, cfg.Summary.Fallbacks...)
		f, err := buildChain("llm", entries, reg.CreateLLM, bc)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			err = fmt.Errorf("%w (known: %v)", err, config.ValidProviderNames["llm"])
		}
		if err != nil {
			return nil, nil, errors.Join(err, closeAll(closers))
		}
		ps.LLM = unwrap(f, func(f *resilience.Failover[llm.Provider]) llm.Provider { return resilience.LLM{Failover: f} })
	}

	return ps, closers, nil
}

// buildChain creates every entry in order and returns them as a failover
// chain with the first entry preferred.
func buildChain[T any](kind string, entries []config.ProviderEntry, create func(config.ProviderEntry) (T, error), bc resilience.BreakerConfig) (*resilience.Failover[T], error) {
	var f *resilience.Failover[T]
	for _, e := range entries {
		p, err := create(e)
		if err != nil {
			return nil, fmt.Errorf("create %s %q: %w", kind, e.Name, err)
		}
		slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model)
		if f == nil {
			f = resilience.NewFailover(e.Name, p, bc)
			continue
		}
		f.Add(e.Name, p)
	}
	return f, nil
}

// unwrap returns the sole provider of a single-member chain unchanged.
func unwrap[T any](f *resilience.Failover[T], wrap func(*resilience.Failover[T]) T) T {
	if f.Len() == 1 {
		return f.Primary()
	}
	return wrap(f)
}

func closeAll(closers []func() error) error {
	var errs []error
	for _, c := range closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
