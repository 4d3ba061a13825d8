package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderXAI       = "xai"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported_provider")
	ErrInvalidAPIKey       = errors.New("invalid_api_key")
)

// SupportedProviders lists the model providers a deployment may be configured with.
var SupportedProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderXAI}

func IsSupportedProvider(provider string) bool {
	for _, p := range SupportedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// ProviderKeyValidator checks an API key by making the cheapest possible call to the provider.
type ProviderKeyValidator interface {
	ValidateAPIKey(ctx context.Context, provider, apiKey string) error
}

type providerProbe struct {
	baseURL  string
	endpoint string
	body     map[string]interface{}
	auth     func(req *http.Request, apiKey string)
}

func bearerAuth(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func defaultProbes() map[string]providerProbe {
	return map[string]providerProbe{
		ProviderOpenAI: {
			baseURL:  "https://api.openai.com/v1",
			endpoint: "/chat/completions",
			body: map[string]interface{}{
				"model":      "gpt-4o-mini",
				"messages":   []map[string]string{{"role": "user", "content": "test"}},
				"max_tokens": 1,
			},
			auth: bearerAuth,
		},
		ProviderAnthropic: {
			baseURL:  "https://api.anthropic.com/v1",
			endpoint: "/messages",
			body: map[string]interface{}{
				"model":      "claude-haiku-4-5",
				"max_tokens": 1,
				"messages":   []map[string]string{{"role": "user", "content": "test"}},
			},
			auth: func(req *http.Request, apiKey string) {
				req.Header.Set("x-api-key", apiKey)
				req.Header.Set("anthropic-version", "2023-06-01")
			},
		},
		ProviderXAI: {
			baseURL:  "https://api.x.ai/v1",
			endpoint: "/chat/completions",
			body: map[string]interface{}{
				"model":       "grok-4-1-fast-non-reasoning",
				"messages":    []map[string]string{{"role": "user", "content": "test"}},
				"max_tokens":  1,
				"temperature": 0,
			},
			auth: bearerAuth,
		},
	}
}

type providerKeyValidator struct {
	client *http.Client
	probes map[string]providerProbe
}

func NewProviderKeyValidator() ProviderKeyValidator {
	return &providerKeyValidator{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		probes: defaultProbes(),
	}
}

// newProviderKeyValidatorWithBaseURL points every provider at baseURL.
func newProviderKeyValidatorWithBaseURL(client *http.Client, baseURL string) ProviderKeyValidator {
	probes := defaultProbes()
	for name, p := range probes {
		p.baseURL = baseURL
		probes[name] = p
	}
	return &providerKeyValidator{client: client, probes: probes}
}

func (v *providerKeyValidator) ValidateAPIKey(ctx context.Context, provider, apiKey string) error {
	probe, ok := v.probes[provider]
	if !ok {
		return fmt.Errorf("provider %q: %w", provider, ErrUnsupportedProvider)
	}
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty: %w", ErrInvalidAPIKey)
	}

	bodyJSON, err := json.Marshal(probe.body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, probe.baseURL+probe.endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create validation request: %w", err)
	}
	probe.auth(req, apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate API key: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read validation response: %w", err)
	}

	var errorResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &errorResp); err == nil {
		message = errorResp.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "unauthorized"
		}
		return fmt.Errorf("%s: %w", message, ErrInvalidAPIKey)
	case resp.StatusCode != http.StatusOK:
		if message != "" {
			return fmt.Errorf("API key validation failed: %s", message)
		}
		return fmt.Errorf("API key validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
