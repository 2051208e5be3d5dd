// Package scoring computes lead scores for canonical business records from
// an ordered, validated rule set.
package scoring

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	minScore = 0.0
	maxScore = 100.0
)

// Result is one computed score.
type Result struct {
	Total float64
	// Components holds each rule's contribution, by rule name
	Components map[string]float64
	// AppliedWeights holds each modifier's multiplier, by modifier name
	AppliedWeights map[string]float64
	// DefaultsApplied lists rules whose field was missing, in rule order
	DefaultsApplied []string
	// Outcomes holds each rule's matched, unmatched or defaulted outcome
	Outcomes map[string]string
}

// Engine evaluates a rule set. It is pure: the same record and rules always
// give bit-identical results.
type Engine struct {
	rules *RuleSet
}

// NewEngine creates a new scoring engine for a validated rule set
func NewEngine(rules *RuleSet) *Engine {
	return &Engine{rules: rules}
}

// Rules returns the engine's rule set.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Score evaluates every rule in declared order, applies modifiers in
// declared order and clamps the total to [0, 100]. A missing field gives
// the rule's default contribution and is recorded, never an error.
func (e *Engine) Score(b *models.Business) *Result {
	result := &Result{
		Components:      make(map[string]float64, len(e.rules.Rules)),
		AppliedWeights:  make(map[string]float64, len(e.rules.Modifiers)),
		DefaultsApplied: []string{},
		Outcomes:        make(map[string]string, len(e.rules.Rules)),
	}

	total := 0.0
	for _, rule := range e.rules.Rules {
		var contribution float64
		value, ok := fieldValue(b, rule.Field)
		switch {
		case !ok:
			contribution = rule.DefaultContribution
			result.DefaultsApplied = append(result.DefaultsApplied, rule.Name)
			result.Outcomes[rule.Name] = metrics.RuleDefaulted
		case evaluate(rule.Predicate, value):
			contribution = rule.BaseContribution * multiplier(rule.Multiplier)
			result.Outcomes[rule.Name] = metrics.RuleMatched
		default:
			result.Outcomes[rule.Name] = metrics.RuleUnmatched
		}
		result.Components[rule.Name] = contribution
		total += contribution
	}

	for _, mod := range e.rules.Modifiers {
		m := multiplier(mod.Default)
		if value, ok := fieldValue(b, mod.Field); ok {
			if s, isString := value.(string); isString {
				if v, found := mod.Multipliers[normalizeKey(s)]; found {
					m = v
				}
			}
		}
		result.AppliedWeights[mod.Name] = m
		total *= m
	}

	if math.IsNaN(total) {
		total = minScore
	}
	result.Total = math.Min(maxScore, math.Max(minScore, total))
	return result
}

func multiplier(m *float64) float64 {
	if m == nil {
		return 1
	}
	return *m
}

// fieldValue returns a string, float64 or []string for the named field, and
// false when the field is missing or blank.
func fieldValue(b *models.Business, field string) (any, bool) {
	str := func(s *string) (any, bool) {
		if s == nil || strings.TrimSpace(*s) == "" {
			return nil, false
		}
		return *s, true
	}
	num := func(f *float64) (any, bool) {
		if f == nil {
			return nil, false
		}
		return *f, true
	}

	switch field {
	case "name":
		return str(&b.Name)
	case "address":
		return str(b.Address)
	case "city":
		return str(b.City)
	case "state":
		return str(b.State)
	case "postal_code":
		return str(b.PostalCode)
	case "phone":
		return str(b.Phone)
	case "website":
		return str(b.Website)
	case "vertical":
		return str(b.Vertical)
	case "description":
		return str(b.Description)
	case "tech_stack":
		if len(b.TechStack.Data) == 0 {
			return nil, false
		}
		return b.TechStack.Data, true
	case "performance_score":
		return num(b.PerformanceScore)
	case "rating":
		return num(b.Rating)
	case "review_count":
		if b.ReviewCount == nil {
			return nil, false
		}
		return float64(*b.ReviewCount), true
	}
	return nil, false
}

func evaluate(p Predicate, value any) bool {
	switch v := value.(type) {
	case string:
		return evaluateString(p, v)
	case float64:
		return evaluateNumber(p, v)
	case []string:
		return evaluateList(p, v)
	}
	return false
}

func evaluateString(p Predicate, v string) bool {
	v = normalizeKey(v)
	switch p.Op {
	case OpExists:
		return true
	case OpEq:
		return v == normalizeKey(toString(p.Value))
	case OpNeq:
		return v != normalizeKey(toString(p.Value))
	case OpIn:
		return slices.ContainsFunc(p.Values, func(x any) bool { return v == normalizeKey(toString(x)) })
	case OpContainsAny:
		return slices.ContainsFunc(p.Values, func(x any) bool {
			needle := normalizeKey(toString(x))
			return needle != "" && strings.Contains(v, needle)
		})
	}
	return false
}

func evaluateNumber(p Predicate, v float64) bool {
	target, _ := toFloat(p.Value)
	switch p.Op {
	case OpExists:
		return true
	case OpEq:
		return v == target
	case OpNeq:
		return v != target
	case OpGt:
		return v > target
	case OpGte:
		return v >= target
	case OpLt:
		return v < target
	case OpLte:
		return v <= target
	case OpIn:
		return slices.ContainsFunc(p.Values, func(x any) bool {
			f, ok := toFloat(x)
			return ok && f == v
		})
	case OpBetween:
		lo, _ := toFloat(p.Values[0])
		hi, _ := toFloat(p.Values[1])
		return v >= lo && v <= hi
	}
	return false
}

func evaluateList(p Predicate, v []string) bool {
	switch p.Op {
	case OpExists:
		return true
	case OpContainsAny:
		for _, item := range v {
			item = normalizeKey(item)
			if slices.ContainsFunc(p.Values, func(x any) bool { return item == normalizeKey(toString(x)) }) {
				return true
			}
		}
	}
	return false
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
