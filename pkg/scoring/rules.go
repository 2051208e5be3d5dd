package scoring

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// Op is a predicate operator.
type Op string

const (
	OpExists      Op = "exists"
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpIn          Op = "in"
	OpContainsAny Op = "contains_any"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpBetween     Op = "between"
)

// Predicate decides whether a rule's base contribution applies.
type Predicate struct {
	Op     Op    `yaml:"op" json:"op" validate:"required,oneof=exists eq neq in contains_any gt gte lt lte between"`
	Value  any   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any `yaml:"values,omitempty" json:"values,omitempty"`
}

// Rule contributes to the score based on one field.
type Rule struct {
	Name                string    `yaml:"name" json:"name" validate:"required"`
	Field               string    `yaml:"field" json:"field" validate:"required"`
	BaseContribution    float64   `yaml:"base_contribution" json:"base_contribution" validate:"gte=0"`
	DefaultContribution float64   `yaml:"default_contribution" json:"default_contribution" validate:"gte=0"`
	Predicate           Predicate `yaml:"predicate" json:"predicate"`
	// Multiplier scales the base contribution; nil means 1
	Multiplier *float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty" validate:"omitempty,gte=0"`
}

// Modifier scales the summed score by a multiplier chosen from a field value.
type Modifier struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Field       string             `yaml:"field" json:"field" validate:"required"`
	Multipliers map[string]float64 `yaml:"multipliers" json:"multipliers" validate:"dive,gte=0"`
	// Default applies when the field is missing or has no entry; nil means 1
	Default *float64 `yaml:"default,omitempty" json:"default,omitempty" validate:"omitempty,gte=0"`
}

// RuleSet is an ordered scoring configuration. Rules and modifiers apply in
// declared order. A loaded RuleSet is never modified.
type RuleSet struct {
	Version   string     `yaml:"version" json:"version" validate:"required"`
	Rules     []Rule     `yaml:"rules" json:"rules" validate:"required,min=1,dive"`
	Modifiers []Modifier `yaml:"modifiers" json:"modifiers" validate:"dive"`

	digest string
}

// LoadRules reads and validates a YAML rule set.
func LoadRules(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, failures.Wrap(failures.ErrConfiguration, "scoring", "load rules", path, err)
	}
	return ParseRules(raw)
}

// ParseRules decodes and validates a YAML rule set. Unknown keys are rejected.
func ParseRules(raw []byte) (*RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, failures.Wrap(failures.ErrConfiguration, "scoring", "parse rules", "", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	for i := range rs.Modifiers {
		normalized := make(map[string]float64, len(rs.Modifiers[i].Multipliers))
		for k, v := range rs.Modifiers[i].Multipliers {
			normalized[normalizeKey(k)] = v
		}
		rs.Modifiers[i].Multipliers = normalized
	}

	sum := sha256.Sum256(raw)
	rs.digest = hex.EncodeToString(sum[:])[:12]
	return &rs, nil
}

// RulesVersion identifies the rule set in score records: the declared
// version plus a content digest, so edited rules rescore even when the
// version string was not bumped.
func (rs *RuleSet) RulesVersion() string {
	if rs.digest == "" {
		return rs.Version
	}
	return rs.Version + "@" + rs.digest
}

// Validate checks struct constraints, then that names are unique, fields
// are known and every predicate fits its operator and field.
func (rs *RuleSet) Validate() error {
	if _, err := utils.Validate(rs); err != nil {
		return failures.Wrap(failures.ErrConfiguration, "scoring", "validate rules", "", err)
	}

	var problems []string
	names := make(map[string]bool, len(rs.Rules)+len(rs.Modifiers))
	for _, r := range rs.Rules {
		if names[r.Name] {
			problems = append(problems, fmt.Sprintf("duplicate name %q", r.Name))
		}
		names[r.Name] = true
		if err := validateRule(r); err != nil {
			problems = append(problems, err.Error())
		}
		problems = append(problems, nonFinite("rule", r.Name, map[string]float64{
			"base_contribution":    r.BaseContribution,
			"default_contribution": r.DefaultContribution,
			"multiplier":           multiplier(r.Multiplier),
		})...)
	}
	for _, m := range rs.Modifiers {
		if names[m.Name] {
			problems = append(problems, fmt.Sprintf("duplicate name %q", m.Name))
		}
		names[m.Name] = true
		kind, ok := fieldKinds[m.Field]
		if !ok {
			problems = append(problems, fmt.Sprintf("modifier %q: unknown field %q", m.Name, m.Field))
		} else if kind != kindString {
			problems = append(problems, fmt.Sprintf("modifier %q: field %q is not a text field", m.Name, m.Field))
		}
		values := map[string]float64{"default": multiplier(m.Default)}
		for k, v := range m.Multipliers {
			values[fmt.Sprintf("multipliers[%s]", k)] = v
		}
		problems = append(problems, nonFinite("modifier", m.Name, values)...)
	}

	if len(problems) > 0 {
		return failures.Wrap(failures.ErrConfiguration, "scoring", "validate rules", strings.Join(problems, "; "), nil)
	}
	return nil
}

// nonFinite reports every infinite or NaN value, in key order.
func nonFinite(kind, name string, values map[string]float64) []string {
	var problems []string
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if v := values[key]; math.IsInf(v, 0) || math.IsNaN(v) {
			problems = append(problems, fmt.Sprintf("%s %q: %s must be finite", kind, name, key))
		}
	}
	return problems
}

func validateRule(r Rule) error {
	kind, ok := fieldKinds[r.Field]
	if !ok {
		return fmt.Errorf("rule %q: unknown field %q", r.Name, r.Field)
	}
	if !allowedOps[kind][r.Predicate.Op] {
		return fmt.Errorf("rule %q: operator %q not supported on field %q", r.Name, r.Predicate.Op, r.Field)
	}

	p := r.Predicate
	switch p.Op {
	case OpExists:
		if p.Value != nil || len(p.Values) > 0 {
			return fmt.Errorf("rule %q: exists takes no value", r.Name)
		}
	case OpEq, OpNeq:
		if p.Value == nil {
			return fmt.Errorf("rule %q: %s needs a value", r.Name, p.Op)
		}
		if kind == kindNumber {
			if _, ok := toFloat(p.Value); !ok {
				return fmt.Errorf("rule %q: %s on %q needs a number", r.Name, p.Op, r.Field)
			}
		}
	case OpIn, OpContainsAny:
		if len(p.Values) == 0 {
			return fmt.Errorf("rule %q: %s needs values", r.Name, p.Op)
		}
		if kind == kindNumber {
			for _, v := range p.Values {
				if _, ok := toFloat(v); !ok {
					return fmt.Errorf("rule %q: %s on %q needs numbers", r.Name, p.Op, r.Field)
				}
			}
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toFloat(p.Value); !ok {
			return fmt.Errorf("rule %q: %s needs a numeric value", r.Name, p.Op)
		}
	case OpBetween:
		if len(p.Values) != 2 {
			return fmt.Errorf("rule %q: between needs exactly two values", r.Name)
		}
		lo, okLo := toFloat(p.Values[0])
		hi, okHi := toFloat(p.Values[1])
		if !okLo || !okHi || lo > hi {
			return fmt.Errorf("rule %q: between needs numeric bounds with low <= high", r.Name)
		}
	}
	return nil
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindList
)

var fieldKinds = map[string]fieldKind{
	"name":              kindString,
	"address":           kindString,
	"city":              kindString,
	"state":             kindString,
	"postal_code":       kindString,
	"phone":             kindString,
	"website":           kindString,
	"vertical":          kindString,
	"description":       kindString,
	"tech_stack":        kindList,
	"performance_score": kindNumber,
	"rating":            kindNumber,
	"review_count":      kindNumber,
}

var allowedOps = map[fieldKind]map[Op]bool{
	kindString: {OpExists: true, OpEq: true, OpNeq: true, OpIn: true, OpContainsAny: true},
	kindNumber: {OpExists: true, OpEq: true, OpNeq: true, OpIn: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpBetween: true},
	kindList:   {OpExists: true, OpContainsAny: true},
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
