package llm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// OpenAIClient talks to the Chat Completions API or any compatible server.
type OpenAIClient struct {
	APIKey  string
	Model   string
	BaseURL string
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":       c.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": 0.2,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, c.Name(), c.endpoint(), c.headers(), body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(string) error) error {
	body := map[string]any{
		"model":       c.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": 0.2,
		"stream":      true,
	}
	res, err := openStream(ctx, c.Name(), c.endpoint(), c.headers(), body)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return forEachData(res.Body, func(data string) error {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return onDelta(chunk.Choices[0].Delta.Content)
		}
		return nil
	})
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.APIKey}
}

func (c *OpenAIClient) endpoint() string {
	base := c.BaseURL
	if base == "" {
		base = os.Getenv("OPENAI_API_BASE")
	}
	if base == "" {
		base = "https://api.openai.com"
	}
	return strings.TrimRight(base, "/") + "/v1/chat/completions"
}
