package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

// OllamaEmbedder computes text embeddings through an Ollama /api/embed
// endpoint.
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	client  *http.Client
}

func NewOllamaEmbedder(baseURL string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = config.OllamaURL()
	}
	return &OllamaEmbedder{
		BaseURL: baseURL,
		Model:   config.EmbeddingModel,
		client:  newHTTPClient(120 * time.Second),
	}
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"model": e.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.NewServiceError("embed_error", "embedding endpoint unreachable", err)
	}
	defer resp.Body.Close()

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.NewServiceError("embed_error", "malformed embedding response", err)
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("embedding returned HTTP %d", resp.StatusCode)
		if parsed.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, parsed.Error)
		}
		return nil, errors.NewServiceError("embed_error", msg, nil)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, errors.NewDataShapeError("embedded %d texts, got %d vectors", len(texts), len(parsed.Embeddings))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != media.EmbeddingDim {
			return nil, errors.NewDataShapeError("embedding %d has dim %d, want %d", i, len(vec), media.EmbeddingDim)
		}
	}
	return parsed.Embeddings, nil
}
