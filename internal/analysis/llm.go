package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrInvalidVerdict is returned when a model reply is not a verdict.
var ErrInvalidVerdict = errors.New("invalid classifier verdict")

const systemPrompt = "You are a security operations analyst. You answer with a single JSON object and nothing else."

// LLMConfig configures an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	Endpoint   string
	Model      string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// LLMClassifier asks a chat completions model for a verdict. It works with
// any server that speaks the OpenAI wire format.
type LLMClassifier struct {
	config LLMConfig
	url    string
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewLLMClassifier creates an LLMClassifier.
func NewLLMClassifier(cfg LLMConfig, logger *zap.Logger) (*LLMClassifier, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("classifier endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryCount
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	url := strings.TrimSuffix(cfg.Endpoint, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}

	return &LLMClassifier{
		config: cfg,
		url:    url,
		client: client,
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify sends the analyst prompt for in and parses the reply.
func (c *LLMClassifier) Classify(ctx context.Context, in Context) (Verdict, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: in.Prompt()},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, truncate(string(data), 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if parsed.Error != nil {
		return Verdict{}, fmt.Errorf("classifier error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: no choices in response", ErrInvalidVerdict)
	}

	v, err := ParseVerdict(parsed.Choices[0].Message.Content)
	if err != nil {
		c.logger.Debug("Unparseable classifier reply",
			zap.String("content", truncate(parsed.Choices[0].Message.Content, 512)),
		)
		return Verdict{}, err
	}
	return v, nil
}

// ParseVerdict decodes a model reply, tolerating markdown code fences and
// prose around the JSON object.
func ParseVerdict(content string) (Verdict, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("%w: no JSON object in reply", ErrInvalidVerdict)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	return v.Normalize(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
