// Package matching scores how likely two business records describe the same
// real-world business.
package matching

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SemanticScorer compares free-text descriptions.
type SemanticScorer interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
	ModelVersion() string
}

// FieldWeights weight the lexical fields. Fields missing on either side are
// dropped and the rest renormalized.
type FieldWeights struct {
	Name    float64
	Address float64
	Phone   float64
}

// Config contains configuration for the evaluator.
type Config struct {
	LexicalWeight   float64       // Weight of the lexical score (default: 0.7)
	SemanticWeight  float64       // Weight of the semantic score (default: 0.3)
	Fields          FieldWeights  // Lexical field weights (default: 0.5/0.3/0.2)
	SemanticTimeout time.Duration // Per-call semantic timeout (default: 2s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LexicalWeight:   0.7,
		SemanticWeight:  0.3,
		Fields:          FieldWeights{Name: 0.5, Address: 0.3, Phone: 0.2},
		SemanticTimeout: 2 * time.Second,
	}
}

// Validate checks the combination weights.
func (c Config) Validate() error {
	if c.LexicalWeight < 0 || c.SemanticWeight < 0 {
		return fmt.Errorf("similarity weights must be non-negative")
	}
	if c.LexicalWeight < c.SemanticWeight {
		return fmt.Errorf("lexical weight %.2f must be at least semantic weight %.2f", c.LexicalWeight, c.SemanticWeight)
	}
	if math.Abs(c.LexicalWeight+c.SemanticWeight-1) > 1e-9 {
		return fmt.Errorf("similarity weights must sum to 1, got %.4f", c.LexicalWeight+c.SemanticWeight)
	}
	if c.Fields.Name < 0 || c.Fields.Address < 0 || c.Fields.Phone < 0 {
		return fmt.Errorf("field weights must be non-negative")
	}
	if c.Fields.Name+c.Fields.Address+c.Fields.Phone == 0 {
		return fmt.Errorf("at least one field weight must be positive")
	}
	return nil
}

// Result is the similarity of one pair.
type Result struct {
	Pair     models.Pair `json:"pair"`
	Score    float64     `json:"score"`
	Lexical  float64     `json:"lexical"`
	Semantic *float64    `json:"semantic,omitempty"`
	// Degraded is set when the semantic call failed and Score is lexical only
	Degraded      bool   `json:"degraded"`
	ModelVersion  string `json:"model_version,omitempty"`
	SemanticCalls int    `json:"semantic_calls"`
}

// Evaluator computes combined similarity.
type Evaluator struct {
	log      ectologger.Logger
	semantic SemanticScorer
	cfg      Config
}

// NewEvaluator creates a new evaluator. semantic may be nil, in which case
// every score is lexical only.
func NewEvaluator(log ectologger.Logger, semantic SemanticScorer, cfg Config) (*Evaluator, error) {
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = DefaultConfig().SemanticTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		log:      log,
		semantic: semantic,
		cfg:      cfg,
	}, nil
}

// Lexical compares normalized name, address and phone.
func (e *Evaluator) Lexical(a, b *models.Business) float64 {
	scores := make([]fieldScore, 0, 3)

	nameA, nameB := normalizers.NormalizeBusinessName(a.Name), normalizers.NormalizeBusinessName(b.Name)
	if nameA != "" && nameB != "" {
		scores = append(scores, fieldScore{field: "name", weight: e.cfg.Fields.Name, score: Levenshtein(nameA, nameB)})
	}

	addrA, addrB := normalizers.NormalizeAddress(models.StringValue(a.Address)), normalizers.NormalizeAddress(models.StringValue(b.Address))
	if addrA != "" && addrB != "" {
		scores = append(scores, fieldScore{field: "address", weight: e.cfg.Fields.Address, score: Levenshtein(addrA, addrB)})
	}

	phoneA, phoneB := normalizers.NormalizePhone(models.StringValue(a.Phone)), normalizers.NormalizePhone(models.StringValue(b.Phone))
	if phoneA != "" && phoneB != "" {
		score := 0.0
		if phoneA == phoneB {
			score = 1.0
		}
		scores = append(scores, fieldScore{field: "phone", weight: e.cfg.Fields.Phone, score: score})
	}

	return weightedScore(scores)
}

// Evaluate scores a pair. The records are ordered by id first so swapping
// them yields the same result. A failed semantic call degrades the result to
// lexical only and is never returned as an error.
func (e *Evaluator) Evaluate(ctx context.Context, a, b *models.Business) *Result {
	ctx, span := tracing.StartSpan(ctx, "matching.Evaluator.Evaluate")
	defer span.End()

	if b.ID < a.ID {
		a, b = b, a
	}

	result := &Result{
		Pair:    models.NewPair(a.ID, b.ID),
		Lexical: e.Lexical(a, b),
	}
	result.Score = result.Lexical

	descA := strings.TrimSpace(models.StringValue(a.Description))
	descB := strings.TrimSpace(models.StringValue(b.Description))
	if e.semantic == nil || descA == "" || descB == "" {
		return result
	}

	result.ModelVersion = e.semantic.ModelVersion()
	result.SemanticCalls = 1

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SemanticTimeout)
	defer cancel()

	semantic, err := e.semantic.Similarity(callCtx, descA, descB)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).WithFields(map[string]any{"pair": result.Pair.String()}).Warn("Semantic similarity unavailable, using lexical score")
		result.Degraded = true
		return result
	}

	semantic = math.Max(0, math.Min(1, semantic))
	result.Semantic = &semantic
	result.Score = e.cfg.LexicalWeight*result.Lexical + e.cfg.SemanticWeight*semantic
	return result
}
