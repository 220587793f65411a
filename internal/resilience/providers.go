package resilience

import (
	"context"

	"github.com/MrWong99/voicescribe/pkg/provider/llm"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// Recognizer fails over between streaming recognizers when a stream cannot
// be started. An established stream is never moved.
type Recognizer struct{ *Failover[stt.Provider] }

var _ stt.Provider = Recognizer{}

// StartStream implements stt.Provider.
func (r Recognizer) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, r.Failover, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Transcriber fails over between file transcribers.
type Transcriber struct{ *Failover[stt.Transcriber] }

var _ stt.Transcriber = Transcriber{}

// TranscribeFile implements stt.Transcriber.
func (t Transcriber) TranscribeFile(ctx context.Context, path string) (string, error) {
	return Do(ctx, t.Failover, func(p stt.Transcriber) (string, error) {
		return p.TranscribeFile(ctx, path)
	})
}

// LLM fails over between completion backends.
type LLM struct{ *Failover[llm.Provider] }

var _ llm.Provider = LLM{}

// Complete implements llm.Provider.
func (l LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, l.Failover, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
