package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openAIBaseURL = "https://api.openai.com/v1"

// ChatMessage is one turn of an OpenAI chat completion.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is a completed chat call: the text, which key served it,
// and the tokens it consumed.
type ChatResult struct {
	Text       string
	KeyID      string
	TokensUsed int
}

// ChatClient issues OpenAI chat completions through the key manager,
// rotating to the next key on rate limits.
type ChatClient struct {
	keys    *KeyManager
	http    *http.Client
	baseURL string
}

// NewChatClient builds a chat client over a key manager.
func NewChatClient(keys *KeyManager) *ChatClient {
	return &ChatClient{
		keys:    keys,
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: openAIBaseURL,
	}
}

// ChatCompletion runs one completion. A 429 marks the key rate-limited
// and retries with the next best key, up to five rotations.
func (c *ChatClient) ChatCompletion(ctx context.Context, messages []ChatMessage, model string, temperature float64, maxTokens int) (ChatResult, error) {
	return c.complete(ctx, messages, model, temperature, maxTokens, 0)
}

func (c *ChatClient) complete(ctx context.Context, messages []ChatMessage, model string, temperature float64, maxTokens, depth int) (ChatResult, error) {
	if depth > 5 {
		return ChatResult{}, fmt.Errorf("all API keys exhausted after retries: %w", ErrNoKeys)
	}

	keyID, apiKey, err := c.keys.BestKey(ctx)
	if err != nil {
		return ChatResult{}, err
	}

	body, err := json.Marshal(map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		_ = c.keys.RecordError(ctx, keyID, err.Error())
		return ChatResult{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = c.keys.RecordError(ctx, keyID, "rate_limited")
		return c.complete(ctx, messages, model, temperature, maxTokens, depth+1)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, snippet)
		_ = c.keys.RecordError(ctx, keyID, msg)
		return ChatResult{}, fmt.Errorf("chat request returned %s", msg)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResult{}, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("chat response contained no choices")
	}

	headers := map[string]string{}
	for _, h := range []string{
		"x-ratelimit-remaining-requests",
		"x-ratelimit-reset-requests",
		"x-ratelimit-remaining-tokens",
	} {
		if v := resp.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	if err := c.keys.RecordUsage(ctx, keyID, out.Usage.TotalTokens, headers); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Text:       out.Choices[0].Message.Content,
		KeyID:      keyID,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}
