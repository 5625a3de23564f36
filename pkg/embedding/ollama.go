package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const defaultOllamaModel = "nomic-embed-text"

// OllamaEngine generates embeddings with a local Ollama server.
type OllamaEngine struct {
	client *api.Client
	model  string
}

func NewOllamaEngine(hostURL, model string) (*OllamaEngine, error) {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaEngine{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (e *OllamaEngine) Dimensions() int { return 0 }

func (e *OllamaEngine) Name() string { return "ollama:" + e.model }
