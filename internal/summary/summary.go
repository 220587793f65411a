// Package summary condenses a transcript file into bullet points with an
// LLM and stores the result next to it.
package summary

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/provider/llm"
)

// NotFound is the result for a transcript path that does not exist.
const NotFound = "Transcript file not found."

// Suffix is appended to the transcript path to name the summary file.
const Suffix = ".summary.md"

const promptTemplate = `
You are a meeting summarizer.
Summarize the following transcript into clear bullet points.
Keep it concise, structured, and readable.

Transcript:
%s
`

// Option is a functional option for [New].
type Option func(*Summarizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Summarizer) { s.log = l }
}

// WithMaxTokens caps the length of the generated summary.
func WithMaxTokens(n int) Option {
	return func(s *Summarizer) { s.maxTokens = n }
}

// Summarizer turns transcripts into summaries. Safe for concurrent use.
type Summarizer struct {
	provider  llm.Provider
	maxTokens int
	log       *slog.Logger
}

// New creates a Summarizer backed by p.
func New(p llm.Provider, opts ...Option) *Summarizer {
	s := &Summarizer{provider: p, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize returns the summary of the transcript at path, or [NotFound] when
// the file does not exist.
func (s *Summarizer) Summarize(ctx context.Context, path string) (_ string, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("summary: read transcript: %w", err)
	}

	ctx, span := observe.StartSpan(ctx, "summary.transcript",
		observe.AttrFile.String(path),
		observe.AttrBytes.Int(len(data)),
	)
	defer func() { observe.EndSpan(span, err) }()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(promptTemplate, data)}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	if resp == nil {
		return "", errors.New("summary: provider returned no response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// Write summarizes the transcript at path into path+[Suffix] and returns the
// summary file path. A missing transcript is logged and nothing is written.
func (s *Summarizer) Write(ctx context.Context, path string) (string, error) {
	text, err := s.Summarize(ctx, path)
	if err != nil {
		return "", err
	}
	if text == NotFound {
		s.log.Warn("summary: transcript missing, nothing to summarize", "path", path)
		return "", nil
	}
	out := path + Suffix
	if err := os.WriteFile(out, []byte(text+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("summary: write %s: %w", out, err)
	}
	s.log.Info("summary: written", "transcript", path, "summary", out)
	return out, nil
}
