package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"callcoach-server/pkg/config"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// Generator produces a single JSON completion for a system instruction and
// a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	logger      *logrus.Entry
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewGeminiClient creates a client for cfg. It fails when no API key is set.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *logrus.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY not set", ErrDisabled)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	logger.WithFields(logrus.Fields{
		"model":   cfg.Model,
		"timeout": timeout,
	}).Info("Gemini client initialized")

	return &GeminiClient{
		logger:      logger.WithField("component", "gemini"),
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
	}, nil
}

// Generate asks for a JSON response and returns its text.
func (c *GeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	c.logger.WithFields(logrus.Fields{
		"model":          c.model,
		"latency_ms":     time.Since(start).Milliseconds(),
		"response_chars": len(text),
	}).Debug("Gemini response received")

	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
