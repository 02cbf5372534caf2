// Package llm holds the inference clients: an Ollama-style client for
// embeddings and JSON-mode completions, an OpenAI chat client, and the
// Redis-backed multi-key manager the verifier rotates through.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dtcforge/refinery/pkg/config"
)

// OllamaClient talks to the two inference services: one serving the
// embedding model, one serving the reasoning model.
type OllamaClient struct {
	cfg        config.LLMConfig
	embedHTTP  *http.Client
	reasonHTTP *http.Client
}

// NewOllamaClient builds a client from the LLM configuration.
func NewOllamaClient(cfg config.LLMConfig) *OllamaClient {
	return &OllamaClient{
		cfg:        cfg,
		embedHTTP:  &http.Client{Timeout: cfg.EmbedTimeout},
		reasonHTTP: &http.Client{Timeout: cfg.GenerateTimeout},
	}
}

// Embed returns the embedding vector for text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]any{
		"model":  c.cfg.EmbeddingModel,
		"prompt": text,
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, c.embedHTTP, c.cfg.EmbedURL+"/api/embeddings", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vector")
	}
	return out.Embedding, nil
}

// ReasoningModel reports the configured reasoning model name, recorded
// alongside evaluations for provenance.
func (c *OllamaClient) ReasoningModel() string { return c.cfg.ReasoningModel }

// GenerateRequest describes one completion call.
type GenerateRequest struct {
	Prompt      string
	System      string
	Temperature float64
	JSONFormat  bool
}

// Generate runs a non-streaming completion against the reasoning model
// and returns the generated text.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	payload := map[string]any{
		"model":  c.cfg.ReasoningModel,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.JSONFormat {
		payload["format"] = "json"
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, c.reasonHTTP, c.cfg.ReasonURL+"/api/generate", payload, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *OllamaClient) post(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("inference request to %s failed: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference request to %s returned %d: %s", url, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
