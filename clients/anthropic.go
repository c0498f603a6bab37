package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ulyssepence/rtt/errors"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	enricherModel    = "claude-sonnet-4-5-20250929"
)

const enrichPrompt = `You are an indexing assistant. Produce a short enriched version of the following transcript segment that adds related concepts, synonyms, and themes to make it more findable via semantic search. Preserve the original meaning. Output ONLY the enriched version, nothing else.

Context: %s

Segment: %s`

// ClaudeEnricher rewrites transcript segments through the Anthropic messages
// API, one call per segment.
type ClaudeEnricher struct {
	APIKey  string
	BaseURL string
	Model   string
	client  *http.Client
}

func NewClaudeEnricher(apiKey string) *ClaudeEnricher {
	return &ClaudeEnricher{
		APIKey:  apiKey,
		BaseURL: anthropicBaseURL,
		Model:   enricherModel,
		client:  newHTTPClient(60 * time.Second),
	}
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ClaudeEnricher) Enrich(ctx context.Context, contextText string, texts []string) ([]string, error) {
	if contextText == "" {
		contextText = "general video content"
	}
	enriched := make([]string, 0, len(texts))
	for _, text := range texts {
		out, err := e.enrichOne(ctx, contextText, text)
		if err != nil {
			return nil, err
		}
		enriched = append(enriched, out)
	}
	return enriched, nil
}

func (e *ClaudeEnricher) enrichOne(ctx context.Context, contextText, text string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":      e.Model,
		"max_tokens": 512,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(enrichPrompt, contextText, text)},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", e.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.NewServiceError("enrich_error", "enrichment request failed", err)
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.NewServiceError("enrich_error", "malformed enrichment response", err)
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("enrichment returned HTTP %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = fmt.Sprintf("%s: %s", msg, parsed.Error.Message)
		}
		return "", errors.NewServiceError("enrich_error", msg, nil)
	}
	if len(parsed.Content) == 0 {
		return "", errors.NewServiceError("enrich_error", "enrichment returned no content", nil)
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}
