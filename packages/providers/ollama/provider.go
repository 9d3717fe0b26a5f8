package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/ragops/core/infra/logging"
	"github.com/cordum/ragops/core/ingest"
)

type Provider struct {
	url    string
	model  string
	dim    int
	client *http.Client
}

type request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type response struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewFromEnv builds an Ollama embedder using OLLAMA_URL/OLLAMA_MODEL or defaults.
// OLLAMA_DIMENSION, when set, rejects vectors of any other length.
func NewFromEnv() *Provider {
	p := &Provider{
		url:    strings.TrimRight(envOrDefault("OLLAMA_URL", "http://ollama:11434"), "/"),
		model:  envOrDefault("OLLAMA_MODEL", "nomic-embed-text"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("OLLAMA_DIMENSION"))); err == nil && n > 0 {
		p.dim = n
	}
	return p
}

func (p *Provider) Model() string { return p.model }

// Embed implements ingest.Embedder through /api/embeddings.
func (p *Provider) Embed(ctx context.Context, chunk ingest.Chunk) ([]float32, error) {
	if strings.TrimSpace(chunk.Text) == "" {
		return nil, fmt.Errorf("empty chunk text")
	}
	body, _ := json.Marshal(&request{Model: p.model, Prompt: chunk.Text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var out response
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("ollama %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode ollama response: %w", decodeErr)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding")
	}
	if p.dim > 0 && len(out.Embedding) != p.dim {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(out.Embedding), p.dim)
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	logging.Debug("ollama", "embedding complete", "model", p.model, "chunk", chunk.Seq, "dims", len(vec), "duration_ms", time.Since(start).Milliseconds())
	return vec, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
