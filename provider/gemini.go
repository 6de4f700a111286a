package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	routererrors "github.com/havenline/routecore/pkg/errors"

	"github.com/havenline/routecore/estimator"
)

func init() {
	RegisterFactory("gemini", newGemini)
}

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiAPIVersion     = "v1beta"
)

// geminiAdapter does not implement Stream; server-sent-event decoding for
// Gemini's streamGenerateContent endpoint was not carried over from the
// reference adapter (see DESIGN.md).
type geminiAdapter struct {
	attrs   Attributes
	apiKey  string
	baseURL string
	client  *http.Client
}

func newGemini(cfg Config) (Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &geminiAdapter{
		attrs: Attributes{
			Name: cfg.Name, Model: cfg.Model, RPMLimit: cfg.RPM,
			TPMLimit: cfg.TPM, Weight: cfg.Weight, Enabled: cfg.Enabled,
		},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (a *geminiAdapter) Attributes() Attributes { return a.attrs }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

func toGeminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (a *geminiAdapter) Chat(ctx context.Context, messages []estimator.Message, opts ChatOptions) (string, int, int, error) {
	var system *geminiContent
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			sys := geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			system = &sys
			continue
		}
		contents = append(contents, geminiContent{Role: toGeminiRole(m.Role), Parts: []geminiPart{{Text: m.Content}}})
	}

	body := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  &geminiGenerationConfig{MaxOutputTokens: opts.MaxTokens, Temperature: opts.Temperature},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(a.baseURL, "/"), geminiAPIVersion, a.attrs.Model, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, 0, classifyNetworkError(a.attrs.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}
	if resp.StatusCode >= 400 {
		return "", 0, 0, mapGeminiError(a.attrs.Name, resp.StatusCode, respBody)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "unmarshal response: "+err.Error())
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "empty candidates")
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	var inputTokens, outputTokens int
	if parsed.UsageMetadata != nil {
		inputTokens = parsed.UsageMetadata.PromptTokenCount
		outputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return text, inputTokens, outputTokens, nil
}

func (a *geminiAdapter) Stream(ctx context.Context, messages []estimator.Message, opts ChatOptions) (Stream, error) {
	return nil, routererrors.New(routererrors.KindBadRequest, a.attrs.Name, "streaming not supported by this adapter")
}

func (a *geminiAdapter) Close() error { return nil }

func mapGeminiError(providerName string, statusCode int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return routererrors.New(routererrors.KindAuthError, providerName, message)
	case http.StatusTooManyRequests:
		return routererrors.New(routererrors.KindRateLimited, providerName, message)
	case http.StatusBadRequest:
		return routererrors.New(routererrors.KindBadRequest, providerName, message)
	default:
		if statusCode >= 500 {
			return routererrors.New(routererrors.KindServerError, providerName, message)
		}
		return routererrors.New(routererrors.KindBadRequest, providerName, message)
	}
}
