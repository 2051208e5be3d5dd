package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeSemantic struct {
	score float64
	err   error
	delay time.Duration
	calls int
}

func (f *fakeSemantic) Similarity(ctx context.Context, _, _ string) (float64, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, failures.Wrap(failures.ErrSimilarityServiceUnavailable, "dedupe", "similarity", "timeout", ctx.Err())
		case <-time.After(f.delay):
		}
	}
	return f.score, f.err
}

func (f *fakeSemantic) ModelVersion() string { return "test-model-1" }

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newEvaluator(t *testing.T, semantic SemanticScorer, cfg Config) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(testLogger(), semantic, cfg)
	require.NoError(t, err)
	return e
}

func acme(id string) *models.Business {
	return &models.Business{
		ID:          id,
		Name:        "Acme Plumbing LLC",
		Address:     models.StringPtr("12 Main Street"),
		Phone:       models.StringPtr("(512) 555-0100"),
		Description: models.StringPtr("Residential plumbing repairs"),
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected float64
	}{
		{a: "", b: "", expected: 1},
		{a: "abc", b: "abc", expected: 1},
		{a: "abc", b: "", expected: 0},
		{a: "kitten", b: "sitting", expected: 1 - 3.0/7.0},
		{a: "café", b: "cafe", expected: 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Levenshtein(tt.a, tt.b), 1e-12)
			assert.Equal(t, Levenshtein(tt.a, tt.b), Levenshtein(tt.b, tt.a))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "semantic heavier", modify: func(c *Config) { c.LexicalWeight, c.SemanticWeight = 0.4, 0.6 }, wantErr: true},
		{name: "not summing to one", modify: func(c *Config) { c.LexicalWeight, c.SemanticWeight = 0.7, 0.2 }, wantErr: true},
		{name: "lexical only", modify: func(c *Config) { c.LexicalWeight, c.SemanticWeight = 1, 0 }},
		{name: "no field weights", modify: func(c *Config) { c.Fields = FieldWeights{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestEvaluator_ExactDuplicate(t *testing.T) {
	semantic := &fakeSemantic{score: 1}
	e := newEvaluator(t, semantic, DefaultConfig())

	result := e.Evaluate(context.Background(), acme("a"), acme("b"))
	assert.Equal(t, 1.0, result.Lexical)
	assert.InDelta(t, 1.0, result.Score, 1e-12)
	assert.False(t, result.Degraded)
	assert.Equal(t, "test-model-1", result.ModelVersion)
	assert.Equal(t, 1, result.SemanticCalls)
}

func TestEvaluator_Symmetric(t *testing.T) {
	a := acme("a")
	b := &models.Business{
		ID:          "b",
		Name:        "Acme Plumbers",
		Address:     models.StringPtr("12 Main St."),
		Phone:       models.StringPtr("1-512-555-0199"),
		Description: models.StringPtr("Plumbing"),
	}
	e := newEvaluator(t, &fakeSemantic{score: 0.61}, DefaultConfig())

	ab := e.Evaluate(context.Background(), a, b)
	ba := e.Evaluate(context.Background(), b, a)
	assert.Equal(t, ab.Score, ba.Score)
	assert.Equal(t, ab.Lexical, ba.Lexical)
	assert.Equal(t, ab.Pair, ba.Pair)
	assert.Equal(t, models.NewPair("a", "b"), ab.Pair)
}

func TestEvaluator_RenormalizesMissingFields(t *testing.T) {
	e := newEvaluator(t, nil, DefaultConfig())

	a := &models.Business{ID: "a", Name: "Acme", Phone: models.StringPtr("5125550100")}
	b := &models.Business{ID: "b", Name: "Acme", Address: models.StringPtr("12 Main St")}

	// only name is comparable
	assert.Equal(t, 1.0, e.Lexical(a, b))

	b.Phone = models.StringPtr("5125550199")
	assert.InDelta(t, 0.5/0.7, e.Lexical(a, b), 1e-12)
}

func TestEvaluator_MissingDescriptionIsNotDegraded(t *testing.T) {
	semantic := &fakeSemantic{score: 0.9}
	e := newEvaluator(t, semantic, DefaultConfig())

	b := acme("b")
	b.Description = nil

	result := e.Evaluate(context.Background(), acme("a"), b)
	assert.False(t, result.Degraded)
	assert.Nil(t, result.Semantic)
	assert.Equal(t, result.Lexical, result.Score)
	assert.Equal(t, 0, semantic.calls)
	assert.Equal(t, 0, result.SemanticCalls)
}

func TestEvaluator_SemanticTimeoutDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SemanticTimeout = 20 * time.Millisecond
	e := newEvaluator(t, &fakeSemantic{score: 0.9, delay: time.Second}, cfg)

	b := acme("b")
	b.Name = "Acme Plumbing and Heating"

	result := e.Evaluate(context.Background(), acme("a"), b)
	assert.True(t, result.Degraded)
	assert.Nil(t, result.Semantic)
	assert.Equal(t, result.Lexical, result.Score)
	assert.Equal(t, 1, result.SemanticCalls)
}

func TestEvaluator_SemanticErrorDegrades(t *testing.T) {
	e := newEvaluator(t, &fakeSemantic{err: errors.New("connection refused")}, DefaultConfig())

	result := e.Evaluate(context.Background(), acme("a"), acme("b"))
	assert.True(t, result.Degraded)
	assert.Equal(t, 1.0, result.Score)
}

func TestEvaluator_Deterministic(t *testing.T) {
	e := newEvaluator(t, &fakeSemantic{score: 0.37}, DefaultConfig())

	b := acme("b")
	b.Name = "Acme Pipes"
	first := e.Evaluate(context.Background(), acme("a"), b)
	for i := 0; i < 20; i++ {
		again := e.Evaluate(context.Background(), acme("a"), b)
		assert.Equal(t, first.Score, again.Score)
	}
}
