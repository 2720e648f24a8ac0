// Package ai wraps the LLM provider client. Everything provider-specific
// stays behind this package; the rest of the system deals in provider-neutral
// messages and normalized token usage.
package ai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"
)

type Config struct {
	Provider string
	Model    string
	APIKey   string
}

type Client struct {
	LLM    *llms.LLM
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	llm, err := newLLM(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{LLM: llm, config: cfg}, nil
}

// NewSession returns a fresh LLM handle with the client's configuration.
// Sessions hold mutable state (system prompt, registered tools), so each
// concurrent caller gets its own.
func (c *Client) NewSession() (*llms.LLM, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if c.config.Provider == "" {
		return nil, errors.New("client config missing provider")
	}
	return newLLM(c.config)
}

func (c *Client) NewSessionWithModel(model string) (*llms.LLM, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if c.config.Provider == "" {
		return nil, errors.New("client config missing provider")
	}
	cfg := c.config
	if strings.TrimSpace(model) != "" {
		cfg.Model = ResolveModelAlias(cfg.Provider, model)
	}
	return newLLM(cfg)
}

func newLLM(cfg Config) (*llms.LLM, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	var provider llms.Provider
	switch cfg.Provider {
	case "openai-responses":
		provider = openai.NewResponsesAPI(cfg.APIKey, cfg.Model)
	case "openai-chat":
		provider = openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model)
	case "anthropic":
		model := anthropic.New(cfg.APIKey, cfg.Model)
		model.WithMaxTokens(62976)
		model.WithThinking(1024)
		provider = model
	case "google":
		provider = google.New(cfg.Model).WithGeminiAPI(cfg.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return llms.New(provider), nil
}

// ResolveModelAlias maps the speed-tier aliases tracks are usually created
// with onto concrete provider model ids.
func ResolveModelAlias(provider, model string) string {
	alias := strings.ToLower(strings.TrimSpace(model))
	if alias == "" {
		return model
	}
	if provider == "anthropic" {
		switch alias {
		case "fast":
			return "claude-3-5-haiku-latest"
		case "balanced":
			return "claude-3-5-sonnet-latest"
		case "smart":
			return "claude-3-opus-latest"
		}
	}
	return model
}
