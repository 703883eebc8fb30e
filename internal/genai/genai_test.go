package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
)

type fakeChat struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (f *fakeChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	f.calls++
	f.params = params
	return f.resp, f.err
}

func reply(texts ...string) openai.ChatCompletion {
	var resp openai.ChatCompletion
	for _, text := range texts {
		resp.Choices = append(resp.Choices, openai.ChatCompletionChoice{
			Message: openai.ChatCompletionMessage{Content: text},
		})
	}
	return resp
}

func TestComplete(t *testing.T) {
	apiErr := errors.New("rate limited")
	tests := []struct {
		name    string
		chat    *fakeChat
		want    string
		wantErr error
	}{
		{"first choice trimmed", &fakeChat{resp: reply("  Hi Ada, quick follow-up.\n", "ignored")}, "Hi Ada, quick follow-up.", nil},
		{"api error", &fakeChat{err: apiErr}, "", apiErr},
		{"no choices", &fakeChat{resp: reply()}, "", ErrNoChoicesReturned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{chat: tt.chat, model: DefaultModel, temperature: DefaultTemperature}
			got, err := c.Complete(context.Background(), "edit", "Hi Ada")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Complete error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Complete = %q, want %q", got, tt.want)
			}
			if tt.chat.calls != 1 {
				t.Errorf("chat called %d times, want 1", tt.chat.calls)
			}
		})
	}
}

func TestCompleteRequestShape(t *testing.T) {
	chat := &fakeChat{resp: reply("ok")}
	c := &Client{chat: chat, model: "gpt-test", temperature: 0.2, maxTokens: 50}
	if _, err := c.Complete(context.Background(), "system", "user"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if chat.params.Model != "gpt-test" {
		t.Errorf("model = %q, want gpt-test", chat.params.Model)
	}
	if len(chat.params.Messages) != 2 {
		t.Errorf("messages = %d, want system and user", len(chat.params.Messages))
	}
	if !chat.params.MaxCompletionTokens.Valid() || chat.params.MaxCompletionTokens.Value != 50 {
		t.Errorf("max completion tokens not forwarded: %+v", chat.params.MaxCompletionTokens)
	}

	chat = &fakeChat{resp: reply("ok")}
	c = &Client{chat: chat, model: "gpt-test"}
	if _, err := c.Complete(context.Background(), "system", "user"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if chat.params.MaxCompletionTokens.Valid() {
		t.Error("max completion tokens should be omitted when unset")
	}
}

func TestNewClient(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected an error without an API key")
	}

	c, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-test"), WithTemperature(0.1), WithMaxTokens(80))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.model != "gpt-test" || c.temperature != 0.1 || c.maxTokens != 80 {
		t.Errorf("options not applied: model=%q temperature=%v maxTokens=%d", c.model, c.temperature, c.maxTokens)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	if _, err := NewClient(); err != nil {
		t.Errorf("expected env key fallback, got %v", err)
	}
}
