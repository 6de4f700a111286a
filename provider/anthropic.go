package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	routererrors "github.com/havenline/routecore/pkg/errors"

	"github.com/havenline/routecore/estimator"
)

func init() {
	RegisterFactory("anthropic", newAnthropic)
}

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

type anthropicAdapter struct {
	attrs   Attributes
	apiKey  string
	baseURL string
	client  *http.Client
}

func newAnthropic(cfg Config) (Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &anthropicAdapter{
		attrs: Attributes{
			Name: cfg.Name, Model: cfg.Model, RPMLimit: cfg.RPM,
			TPMLimit: cfg.TPM, Weight: cfg.Weight, Enabled: cfg.Enabled,
		},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (a *anthropicAdapter) Attributes() Attributes { return a.attrs }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

func splitSystem(messages []estimator.Message) (system string, rest []anthropicMessage) {
	rest = make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		rest = append(rest, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return system, rest
}

func (a *anthropicAdapter) buildRequest(ctx context.Context, messages []estimator.Message, opts ChatOptions, stream bool) (*http.Request, error) {
	system, rest := splitSystem(messages)
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model: a.attrs.Model, Messages: rest, System: system,
		MaxTokens: maxTokens, Temperature: opts.Temperature, Stream: stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	return req, nil
}

func (a *anthropicAdapter) Chat(ctx context.Context, messages []estimator.Message, opts ChatOptions) (string, int, int, error) {
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
		return "", 0, 0, mapAnthropicError(a.attrs.Name, resp.StatusCode, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "unmarshal response: "+err.Error())
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		text.WriteString(block.Text)
	}

	return text.String(), parsed.Usage.InputTokens, parsed.Usage.OutputTokens, nil
}

func (a *anthropicAdapter) Stream(ctx context.Context, messages []estimator.Message, opts ChatOptions) (Stream, error) {
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
		return nil, mapAnthropicError(a.attrs.Name, resp.StatusCode, body)
	}

	return &anthropicStream{provider: a.attrs.Name, resp: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (a *anthropicAdapter) Close() error { return nil }

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
}

type anthropicStream struct {
	provider     string
	resp         *http.Response
	scanner      *bufio.Scanner
	inputTokens  int
	outputTokens int
}

func (s *anthropicStream) Next(ctx context.Context) (Fragment, error) {
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

		var event anthropicStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Usage != nil {
			s.outputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				s.inputTokens = event.Usage.InputTokens
			}
		}
		switch event.Type {
		case "content_block_delta":
			return Fragment{Content: event.Delta.Text}, nil
		case "message_stop":
			return Fragment{Done: true, InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Fragment{}, routererrors.New(routererrors.KindTransient, s.provider, err.Error())
	}
	return Fragment{Done: true, InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
}

func (s *anthropicStream) Close() error { return s.resp.Body.Close() }

func mapAnthropicError(providerName string, statusCode int, body []byte) error {
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
	case http.StatusUnauthorized, http.StatusForbidden:
		return routererrors.New(routererrors.KindAuthError, providerName, message)
	case http.StatusTooManyRequests:
		return routererrors.New(routererrors.KindRateLimited, providerName, message)
	case http.StatusBadRequest:
		return routererrors.New(routererrors.KindBadRequest, providerName, message)
	case http.StatusRequestTimeout:
		return routererrors.New(routererrors.KindTimeout, providerName, message)
	default:
		if statusCode >= 500 {
			return routererrors.New(routererrors.KindServerError, providerName, message)
		}
		return routererrors.New(routererrors.KindBadRequest, providerName, message)
	}
}
