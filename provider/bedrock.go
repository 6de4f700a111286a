package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/goccy/go-json"

	routererrors "github.com/havenline/routecore/pkg/errors"

	"github.com/havenline/routecore/estimator"
)

func init() {
	RegisterFactory("bedrock", newBedrock)
}

type bedrockAdapter struct {
	attrs  Attributes
	cfg    aws.Config
	region string
	client *http.Client
}

func newBedrock(cfg Config) (Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &bedrockAdapter{
		attrs: Attributes{
			Name: cfg.Name, Model: cfg.Model, RPMLimit: cfg.RPM,
			TPMLimit: cfg.TPM, Weight: cfg.Weight, Enabled: cfg.Enabled,
		},
		cfg:    awsCfg,
		region: awsCfg.Region,
		client: http.DefaultClient,
	}, nil
}

func (a *bedrockAdapter) Attributes() Attributes { return a.attrs }

// claudePayload mirrors the Anthropic Messages API shape Bedrock expects
// for Claude-family models invoked through the bedrock-runtime endpoint.
type claudePayload struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	System           string             `json:"system,omitempty"`
	Temperature      float64            `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

func (a *bedrockAdapter) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := a.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}
	hash := sha256.Sum256(body)
	return v4.NewSigner().SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), "bedrock", a.region, time.Now())
}

func (a *bedrockAdapter) Chat(ctx context.Context, messages []estimator.Message, opts ChatOptions) (string, int, int, error) {
	system, rest := splitSystem(messages)
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	payload := claudePayload{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         rest,
		System:           system,
		Temperature:      opts.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}

	url := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke", a.region, a.attrs.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindTransient, a.attrs.Name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	if err := a.sign(ctx, req, body); err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindAuthError, a.attrs.Name, err.Error())
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
		return "", 0, 0, mapBedrockError(a.attrs.Name, resp.StatusCode, respBody)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", 0, 0, routererrors.New(routererrors.KindServerError, a.attrs.Name, "unmarshal response: "+err.Error())
	}

	text := ""
	for _, block := range parsed.Content {
		text += block.Text
	}
	return text, parsed.Usage.InputTokens, parsed.Usage.OutputTokens, nil
}

// Stream is not implemented: decoding Bedrock's invoke-with-response-
// stream endpoint requires the AWS event-stream binary framing, which
// this adapter does not speak. Callers get a non-retriable error so the
// router does not burn fallback attempts on other providers.
func (a *bedrockAdapter) Stream(ctx context.Context, messages []estimator.Message, opts ChatOptions) (Stream, error) {
	return nil, routererrors.New(routererrors.KindBadRequest, a.attrs.Name, "streaming not supported by this adapter")
}

func (a *bedrockAdapter) Close() error { return nil }

func mapBedrockError(providerName string, statusCode int, body []byte) error {
	var parsed struct {
		Message string `json:"message"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		message = parsed.Message
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
