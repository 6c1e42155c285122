package llm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient talks to the Messages API.
type AnthropicClient struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := postJSON(ctx, c.Name(), c.endpoint(), c.headers(), c.body(prompt, false), &resp); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, part := range resp.Content {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: no content")
	}
	return b.String(), nil
}

// GenerateTextStream reads content_block_delta events from the streaming
// Messages API.
func (c *AnthropicClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(string) error) error {
	res, err := openStream(ctx, c.Name(), c.endpoint(), c.headers(), c.body(prompt, true))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return forEachData(res.Body, func(data string) error {
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				return onDelta(ev.Delta.Text)
			}
		case "error":
			if ev.Error != nil {
				return errors.New("anthropic: " + ev.Error.Message)
			}
			return errors.New("anthropic: stream error")
		}
		return nil
	})
}

func (c *AnthropicClient) body(prompt string, stream bool) map[string]any {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	body := map[string]any{
		"model":      c.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": prompt}},
		}},
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (c *AnthropicClient) endpoint() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/") + "/v1/messages"
	}
	if url := os.Getenv("ANTHROPIC_API_URL"); url != "" {
		return url
	}
	return "https://api.anthropic.com/v1/messages"
}
