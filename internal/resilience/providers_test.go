package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicescribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicescribe/pkg/provider/llm/mock"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicescribe/pkg/provider/stt/mock"
)

func TestRecognizer_FallsBackOnStartFailure(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("503")}
	backup := &sttmock.Provider{}

	f := NewFailover[stt.Provider]("assemblyai", primary, BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	f.Add("deepgram", backup)
	r := Recognizer{f}

	for range 2 {
		h, err := r.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
		if err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		_ = h.Close()
	}
	if got := primary.Calls(); got != 1 {
		t.Errorf("primary calls = %d, want 1 (skipped once open)", got)
	}
	if got := backup.Calls(); got != 2 {
		t.Errorf("backup calls = %d, want 2", got)
	}
	if got := f.States()["assemblyai"]; got != Open {
		t.Errorf("primary state = %v, want open", got)
	}
}

func TestRecognizer_AllFail(t *testing.T) {
	t.Parallel()
	f := NewFailover[stt.Provider]("a", &sttmock.Provider{StartStreamErr: errors.New("a down")}, BreakerConfig{})
	f.Add("b", &sttmock.Provider{StartStreamErr: errors.New("b down")})

	_, err := Recognizer{f}.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestRecognizer_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{}
	f := NewFailover[stt.Provider]("a", primary, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Recognizer{f}.StartStream(ctx, stt.StreamConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.Calls() != 0 {
		t.Error("provider called with cancelled context")
	}
}

func TestTranscriber_FallsBack(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Transcriber{Errs: map[string]error{"a.wav": errors.New("model missing")}}
	backup := &sttmock.Transcriber{Default: "hello"}

	f := NewFailover[stt.Transcriber]("whisper-native", primary, BreakerConfig{})
	f.Add("whisper", backup)

	text, err := Transcriber{f}.TranscribeFile(context.Background(), "a.wav")
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}
	if got := primary.Calls(); len(got) != 1 {
		t.Errorf("primary calls = %v", got)
	}
}

func TestLLM_FallsBack(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}

	f := NewFailover[llm.Provider]("openai", primary, BreakerConfig{})
	f.Add("ollama", backup)

	resp, err := LLM{f}.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "summary" {
		t.Errorf("content = %q, want summary", resp.Content)
	}
	if len(primary.Calls()) != 1 || len(backup.Calls()) != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", len(primary.Calls()), len(backup.Calls()))
	}
}

func TestFailover_PrimaryPreferred(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "p"}}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "b"}}
	f := NewFailover[llm.Provider]("p", primary, BreakerConfig{})
	f.Add("b", backup)

	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}
	resp, err := LLM{f}.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "p" || len(backup.Calls()) != 0 {
		t.Errorf("content = %q backup calls = %d, want primary only", resp.Content, len(backup.Calls()))
	}
}
