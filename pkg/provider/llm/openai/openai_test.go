package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voicescribe/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		check   func(t *testing.T, m llm.Message)
		wantErr bool
	}{
		{role: llm.RoleSystem, check: func(t *testing.T, m llm.Message) {
			p, _ := convertMessage(m)
			if p.OfSystem == nil {
				t.Error("expected OfSystem to be set")
			}
		}},
		{role: llm.RoleUser, check: func(t *testing.T, m llm.Message) {
			p, _ := convertMessage(m)
			if p.OfUser == nil {
				t.Error("expected OfUser to be set")
			}
		}},
		{role: llm.RoleAssistant, check: func(t *testing.T, m llm.Message) {
			p, _ := convertMessage(m)
			if p.OfAssistant == nil {
				t.Error("expected OfAssistant to be set")
			}
		}},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			m := llm.Message{Role: tt.role, Content: "hi"}
			_, err := convertMessage(m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "gpt-4o-mini", WithOrganization("org"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "gpt-4o-mini" {
		t.Errorf("model = %q", p.model)
	}
}

func TestBuildParams_RequiresMessages(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "gpt-4o-mini")
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(body, &req)
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "- point one"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "summarize"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "- point one" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("total tokens = %d, want 13", resp.Usage.TotalTokens)
	}
	if gotModel != "gpt-4o-mini" {
		t.Errorf("model sent = %q", gotModel)
	}
}
