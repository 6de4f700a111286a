package provider

import (
	"bufio"
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
	RegisterFactory("openai", newOpenAI)
}

const openAIDefaultBaseURL = "https://api.openai.com/v1"

type openAIAdapter struct {
	attrs   Attributes
	apiKey  string
	baseURL string
	client  *http.Client
}

func newOpenAI(cfg Config) (Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &openAIAdapter{
		attrs: Attributes{
			Name: cfg.Name, Model: cfg.Model, RPMLimit: cfg.RPM,
			TPMLimit: cfg.TPM, Weight: cfg.Weight, Enabled: cfg.Enabled,
		},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (a *openAIAdapter) Attributes() Attributes { return a.attrs }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

func toOpenAIMessages(messages []estimator.Message) []openAIMessage {
	out := make([]openAIMessage, len(messages))
	for i, m := range messages {
		out[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (a *openAIAdapter) buildRequest(ctx context.Context, messages []estimator.Message, opts ChatOptions, stream bool) (*http.Request, error) {
	body := openAIChatRequest{
		Model:       a.attrs.Model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(a.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return req, nil
}

func (a *openAIAdapter) Chat(ctx context.Context, messages []estimator.Message, opts ChatOptions) (string, int, int, error) {
	req, err := a.buildRequest(ctx, messages, opts, false)
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}

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
		return "", 0, 0, mapOpenAIError(a.attrs.Name, resp.StatusCode, respBody)
	}

	var chatResp openAIChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "unmarshal response: "+err.Error())
	}
	if len(chatResp.Choices) == 0 {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "empty choices")
	}

	return chatResp.Choices[0].Message.Content, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, nil
}

func (a *openAIAdapter) Stream(ctx context.Context, messages []estimator.Message, opts ChatOptions) (Stream, error) {
	req, err := a.buildRequest(ctx, messages, opts, true)
	if err != nil {
		return nil, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyNetworkError(a.attrs.Name, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, mapOpenAIError(a.attrs.Name, resp.StatusCode, body)
	}

	return &sseStream{provider: a.attrs.Name, resp: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (a *openAIAdapter) Close() error { return nil }

// sseStream decodes an OpenAI-compatible server-sent-event stream into
// Fragments. It is shared by the OpenAI and Groq adapters, which speak the
// same wire format.
type sseStream struct {
	provider     string
	resp         *http.Response
	scanner      *bufio.Scanner
	inputTokens  int
	outputTokens int
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (s *sseStream) Next(ctx context.Context) (Fragment, error) {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return Fragment{}, ctx.Err()
		default:
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(line, []byte("[DONE]")) {
			return Fragment{Done: true, InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			s.inputTokens = chunk.Usage.PromptTokens
			s.outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return Fragment{Content: chunk.Choices[0].Delta.Content}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Fragment{}, routererrors.New(routererrors.KindTransient, s.provider, err.Error())
	}
	return Fragment{Done: true, InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
}

func (s *sseStream) Close() error { return s.resp.Body.Close() }

func classifyNetworkError(providerName string, err error) error {
	return routererrors.New(routererrors.KindTimeout, providerName, err.Error())
}

func mapOpenAIError(providerName string, statusCode int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return routererrors.New(routererrors.KindAuthError, providerName, message)
	case http.StatusTooManyRequests:
		return routererrors.New(routererrors.KindRateLimited, providerName, message)
	case http.StatusBadRequest:
		return routererrors.New(routererrors.KindBadRequest, providerName, message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return routererrors.New(routererrors.KindTimeout, providerName, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return routererrors.New(routererrors.KindServerError, providerName, message)
	default:
		if statusCode >= 500 {
			return routererrors.New(routererrors.KindServerError, providerName, message)
		}
		return routererrors.New(routererrors.KindBadRequest, providerName, fmt.Sprintf("%s (status %d)", message, statusCode))
	}
}
