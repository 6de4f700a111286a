package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/havenline/routecore/estimator"
	"github.com/havenline/routecore/observability"
	routererrors "github.com/havenline/routecore/pkg/errors"
	"github.com/havenline/routecore/provider"
	"github.com/havenline/routecore/router"
)

type fixedAdapter struct {
	attrs provider.Attributes
	reply string
	err   error
}

func (a *fixedAdapter) Attributes() provider.Attributes { return a.attrs }

func (a *fixedAdapter) Chat(_ context.Context, _ []estimator.Message, _ provider.ChatOptions) (string, int, int, error) {
	if a.err != nil {
		return "", 0, 0, a.err
	}
	return a.reply, 10, 5, nil
}

func (a *fixedAdapter) Stream(_ context.Context, _ []estimator.Message, _ provider.ChatOptions) (provider.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &fixedStream{content: a.reply}, nil
}

func (a *fixedAdapter) Close() error { return nil }

type fixedStream struct {
	content string
	emitted bool
}

func (s *fixedStream) Next(_ context.Context) (provider.Fragment, error) {
	if !s.emitted {
		s.emitted = true
		return provider.Fragment{Content: s.content}, nil
	}
	return provider.Fragment{Done: true, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *fixedStream) Close() error { return nil }

func testMux(t *testing.T, adapters ...*fixedAdapter) *http.ServeMux {
	t.Helper()
	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.RegisterPrebuiltAdapter(a.attrs.Name, a)
	}
	rt := router.New(router.Config{Registry: registry})

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)

	mux := http.NewServeMux()
	registerRoutes(mux, func() *router.Router { return rt }, logger)
	return mux
}

func healthyAdapter(name, reply string) *fixedAdapter {
	return &fixedAdapter{
		attrs: provider.Attributes{
			Name: name, Model: "test-model", RPMLimit: 100, TPMLimit: 10000,
			Weight: 1.0, Enabled: true,
		},
		reply: reply,
	}
}

func postChat(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpointSuccess(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "hello"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Content != "hello" || resp.Provider != "a" || resp.Attempts != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("unexpected token counts: %+v", resp)
	}
}

func TestChatEndpointRejectsEmptyMessages(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "hello"))

	rec := postChat(t, mux, `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatEndpointRejectsUnknownPriority(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "hello"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"hi"}],"priority":"urgent"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatEndpointMapsAuthError(t *testing.T) {
	bad := healthyAdapter("a", "")
	bad.err = routererrors.New(routererrors.KindAuthError, "a", "invalid api key")
	mux := testMux(t, bad)

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatEndpointAllProvidersFailed(t *testing.T) {
	bad := healthyAdapter("a", "")
	bad.err = routererrors.New(routererrors.KindRateLimited, "a", "quota exceeded")
	mux := testMux(t, bad)

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body = %s", rec.Code, rec.Body.String())
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Kind != "all_providers_failed" {
		t.Errorf("error kind = %q", resp.Error.Kind)
	}
}

func TestChatEndpointStreaming(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "chunk"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"chunk"`) {
		t.Errorf("stream body missing fragment: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("stream body missing terminator: %s", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "hello"))

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Providers []router.ProviderStatus `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(resp.Providers) != 1 || resp.Providers[0].Name != "a" {
		t.Errorf("unexpected status payload: %+v", resp)
	}
	if resp.Providers[0].RPMLimit != 100 {
		t.Errorf("rpm limit = %d, want 100", resp.Providers[0].RPMLimit)
	}
}

func TestHealthEndpoints(t *testing.T) {
	mux := testMux(t, healthyAdapter("a", "hello"))

	for _, path := range []string{"/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}
