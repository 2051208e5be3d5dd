// Package semantic scores free-text similarity through an external
// embeddings service.
package semantic

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-resty/resty/v2"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Config holds embeddings service configuration
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	RetryCount int
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Client calls the embeddings service
type Client struct {
	http   *resty.Client
	model  string
	logger ectologger.Logger
}

// NewClient creates a new embeddings client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(50 * time.Millisecond).
		SetRetryMaxWaitTime(250 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:   client,
		model:  cfg.Model,
		logger: logger,
	}
}

// ModelVersion identifies the embedding model scores were computed with.
func (c *Client) ModelVersion() string {
	return c.model
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, span := tracing.StartSpan(ctx, "semantic.Client.Embed")
	defer span.End()

	var response embeddingsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embeddingsRequest{Model: c.model, Input: texts}).
		SetResult(&response).
		Post("/v1/embeddings")
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Embeddings call failed")
		return nil, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "embed", "request failed", err)
	}
	if resp.IsError() {
		c.logger.WithContext(ctx).WithFields(map[string]any{"status_code": resp.StatusCode()}).Warn("Embeddings service returned error")
		return nil, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "embed", fmt.Sprintf("status %d", resp.StatusCode()), nil)
	}

	vectors := make([][]float64, len(texts))
	for _, d := range response.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "embed", fmt.Sprintf("unexpected index %d", d.Index), nil)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "embed", fmt.Sprintf("missing embedding %d", i), nil)
		}
	}

	return vectors, nil
}

// Similarity embeds both texts in one call and returns their cosine
// similarity clamped to [0,1].
func (c *Client) Similarity(ctx context.Context, a, b string) (float64, error) {
	vectors, err := c.Embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vectors[0]) != len(vectors[1]) {
		return 0, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "similarity", "embedding dimensions differ", nil)
	}
	return Cosine(vectors[0], vectors[1]), nil
}

// Cosine returns the cosine similarity of two equal-length vectors clamped
// to [0,1]. Zero vectors score 0.
func Cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(0, math.Min(1, sim))
}
