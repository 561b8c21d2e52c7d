package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roundtable-ai/roundtable"
)

const defaultEmbeddingDimensions = 1536

// Embedding implements roundtable.EmbeddingProvider against an
// OpenAI-compatible /embeddings endpoint.
type Embedding struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	dimensions int
	client     *http.Client
}

// EmbeddingOption configures an Embedding provider.
type EmbeddingOption func(*Embedding)

// WithEmbeddingDimensions overrides the reported vector size. It must match
// what the model actually produces.
func WithEmbeddingDimensions(d int) EmbeddingOption {
	return func(e *Embedding) {
		if d > 0 {
			e.dimensions = d
		}
	}
}

// WithEmbeddingHTTPClient overrides the HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.client = c }
}

// WithEmbeddingName overrides the provider name.
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *Embedding) { e.name = name }
}

// NewEmbedding creates an embedding provider. An empty baseURL targets the
// OpenAI API.
func NewEmbedding(apiKey, model, baseURL string, opts ...EmbeddingOption) *Embedding {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	e := &Embedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		name:       "openai-compatible",
		dimensions: defaultEmbeddingDimensions,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *Embedding) Dimensions() int { return e.dimensions }

type embeddingBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	// Reuse the chat provider's HTTP plumbing.
	p := &Provider{apiKey: e.apiKey, baseURL: e.baseURL, name: e.name, client: e.client, logger: nopLogger}
	raw, err := p.post(ctx, "/embeddings", embeddingBody{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	var resp embeddingResponse
	if err := json.NewDecoder(raw).Decode(&resp); err != nil {
		return nil, e.errf("decode response: %v", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, e.errf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, e.errf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *Embedding) errf(format string, args ...any) error {
	return &roundtable.ErrProvider{Provider: e.name, Message: fmt.Sprintf(format, args...)}
}

var _ roundtable.EmbeddingProvider = (*Embedding)(nil)
