package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	routererrors "github.com/havenline/routecore/pkg/errors"

	"github.com/havenline/routecore/estimator"
)

func TestOpenAIChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	a, err := newOpenAI(Config{Name: "o1", Type: "openai", Model: "gpt-4o", BaseURL: srv.URL, Enabled: true})
	if err != nil {
		t.Fatalf("newOpenAI: %v", err)
	}

	content, in, out, err := a.Chat(context.Background(), []estimator.Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if content != "hello" || in != 5 || out != 2 {
		t.Fatalf("unexpected chat result: content=%q in=%d out=%d", content, in, out)
	}
}

func TestOpenAIChatMapsRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	a, _ := newOpenAI(Config{Name: "o1", BaseURL: srv.URL})
	_, _, _, err := a.Chat(context.Background(), []estimator.Message{{Role: "user", Content: "hi"}}, ChatOptions{})

	rerr, ok := err.(*routererrors.RouterError)
	if !ok || rerr.Kind != routererrors.KindRateLimited {
		t.Fatalf("expected KindRateLimited, got %v", err)
	}
}

func TestOpenAIChatMapsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	a, _ := newOpenAI(Config{Name: "o1", BaseURL: srv.URL})
	_, _, _, err := a.Chat(context.Background(), []estimator.Message{{Role: "user", Content: "hi"}}, ChatOptions{})

	rerr, ok := err.(*routererrors.RouterError)
	if !ok || rerr.Kind != routererrors.KindAuthError {
		t.Fatalf("expected KindAuthError, got %v", err)
	}
}

func TestOpenAIStreamYieldsFragmentsThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a, _ := newOpenAI(Config{Name: "o1", BaseURL: srv.URL})
	stream, err := a.Stream(context.Background(), []estimator.Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var text string
	for {
		frag, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if frag.Done {
			if frag.InputTokens != 3 || frag.OutputTokens != 2 {
				t.Fatalf("expected final usage counts, got in=%d out=%d", frag.InputTokens, frag.OutputTokens)
			}
			break
		}
		text += frag.Content
	}
	if text != "hello" {
		t.Fatalf("expected assembled text 'hello', got %q", text)
	}
}
