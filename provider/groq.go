package provider

import "net/http"

func init() {
	RegisterFactory("groq", newGroq)
}

const groqDefaultBaseURL = "https://api.groq.com/openai/v1"

// Groq speaks the OpenAI chat-completions wire format, so its adapter is
// a thin configuration wrapper around openAIAdapter rather than a
// separate wire implementation.
func newGroq(cfg Config) (Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = groqDefaultBaseURL
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
