package summary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voicescribe/pkg/provider/llm"
	"github.com/MrWong99/voicescribe/pkg/provider/llm/mock"
)

func writeTranscript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alice-1.log")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSummarize_MissingFile(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	got, err := New(p).Summarize(context.Background(), filepath.Join(t.TempDir(), "nope.log"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != NotFound {
		t.Errorf("got %q, want %q", got, NotFound)
	}
	if len(p.Calls()) != 0 {
		t.Error("provider must not be called for a missing file")
	}
}

func TestSummarize_PromptCarriesTranscript(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "\n- agreed on Friday\n"}}
	path := writeTranscript(t, "[2026-01-01T00:00:00Z] Let's ship on Friday.\n")

	got, err := New(p, WithMaxTokens(200)).Summarize(context.Background(), path)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "- agreed on Friday" {
		t.Errorf("summary = %q", got)
	}
	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.MaxTokens != 200 {
		t.Errorf("max tokens = %d, want 200", req.MaxTokens)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"You are a meeting summarizer.", "clear bullet points", "Let's ship on Friday."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSummarize_ProviderError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("quota exceeded")}
	path := writeTranscript(t, "x\n")
	if _, err := New(p).Summarize(context.Background(), path); err == nil {
		t.Fatal("expected error")
	}
}

func TestWrite(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "- one"}}
	path := writeTranscript(t, "hello\n")

	out, err := New(p).Write(context.Background(), path)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out != path+Suffix {
		t.Errorf("out = %q", out)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "- one\n" {
		t.Errorf("summary file = %q", data)
	}

	missing, err := New(p).Write(context.Background(), filepath.Join(t.TempDir(), "gone.log"))
	if err != nil || missing != "" {
		t.Errorf("Write(missing) = (%q, %v), want empty and nil", missing, err)
	}
}
