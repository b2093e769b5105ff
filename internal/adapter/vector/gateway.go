// Package vector holds the embedding gateway client and the canonical text
// projection fed to it.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
)

// Endpoint is one vector-gateway target.
type Endpoint struct {
	URL    string
	APIKey string
}

// Gateway calls the embeddings HTTP endpoint, degrading from the primary to
// the fallback target on failure. It implements domain.Vectorizer.
type Gateway struct {
	primary    Endpoint
	fallback   Endpoint
	httpClient *http.Client
}

// NewGateway constructs a Gateway; the fallback may be empty.
func NewGateway(primary, fallback Endpoint) *Gateway {
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Embed turns texts into vectors, one per input, preserving order.
func (g *Gateway) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := g.embedAt(ctx, g.primary, model, texts)
	if err == nil {
		observability.EmbeddingsRequestedTotal.WithLabelValues("primary").Inc()
		return vectors, nil
	}
	if g.fallback.URL == "" {
		return nil, fmt.Errorf("op=vector.embed: %w", err)
	}

	slog.Warn("vector gateway degraded to fallback",
		slog.String("model", model),
		slog.Any("error", err))
	vectors, fbErr := g.embedAt(ctx, g.fallback, model, texts)
	if fbErr != nil {
		return nil, fmt.Errorf("op=vector.embed: primary: %v: fallback: %w", err, fbErr)
	}
	observability.EmbeddingsRequestedTotal.WithLabelValues("fallback").Inc()
	return vectors, nil
}

func (g *Gateway) embedAt(ctx context.Context, ep Endpoint, model string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := domain.ErrTransient
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = domain.ErrAuthFailure
		}
		return nil, fmt.Errorf("embeddings status %d: %w", resp.StatusCode, kind)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings count %d for %d inputs: %w", len(out.Data), len(texts), domain.ErrDataIntegrity)
	}
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
