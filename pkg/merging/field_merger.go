package merging

import (
	"slices"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

// FieldMerger resolves the fields of two records into the canonical one.
type FieldMerger struct {
	now func() time.Time
}

// NewFieldMerger creates a new FieldMerger
func NewFieldMerger() *FieldMerger {
	return &FieldMerger{now: func() time.Time { return time.Now().UTC() }}
}

// Merge returns the canonical record with fields resolved against other,
// plus the names of fields whose populated values disagreed. A populated
// value beats a missing one; when both are populated the more recently
// updated record wins and ties keep the canonical value. Tech stacks are
// unioned.
func (m *FieldMerger) Merge(canonical, other *models.Business) (*models.Business, []string) {
	merged := *canonical
	otherWins := other.UpdatedAt.After(canonical.UpdatedAt)
	var conflicts []string

	resolveString := func(field string, c, o *string) *string {
		v, conflict := pickString(c, o, otherWins)
		if conflict {
			conflicts = append(conflicts, field)
		}
		return v
	}

	name, nameConflict := pickString(&canonical.Name, &other.Name, otherWins)
	if nameConflict {
		conflicts = append(conflicts, "name")
	}
	merged.Name = models.StringValue(name)

	merged.Address = resolveString("address", canonical.Address, other.Address)
	merged.City = resolveString("city", canonical.City, other.City)
	merged.State = resolveString("state", canonical.State, other.State)
	merged.PostalCode = resolveString("postal_code", canonical.PostalCode, other.PostalCode)
	merged.Phone = resolveString("phone", canonical.Phone, other.Phone)
	merged.Website = resolveString("website", canonical.Website, other.Website)
	merged.Vertical = resolveString("vertical", canonical.Vertical, other.Vertical)
	merged.Description = resolveString("description", canonical.Description, other.Description)

	var conflict bool
	if merged.PerformanceScore, conflict = pick(canonical.PerformanceScore, other.PerformanceScore, otherWins); conflict {
		conflicts = append(conflicts, "performance_score")
	}
	if merged.Rating, conflict = pick(canonical.Rating, other.Rating, otherWins); conflict {
		conflicts = append(conflicts, "rating")
	}
	if merged.ReviewCount, conflict = pick(canonical.ReviewCount, other.ReviewCount, otherWins); conflict {
		conflicts = append(conflicts, "review_count")
	}

	merged.TechStack = database.NewJSONB(unionSorted(canonical.TechStack.Data, other.TechStack.Data))
	if other.CreatedAt.Before(merged.CreatedAt) && !other.CreatedAt.IsZero() {
		merged.CreatedAt = other.CreatedAt
	}
	merged.UpdatedAt = m.now()

	return &merged, conflicts
}

func pickString(c, o *string, otherWins bool) (*string, bool) {
	cSet := c != nil && strings.TrimSpace(*c) != ""
	oSet := o != nil && strings.TrimSpace(*o) != ""
	switch {
	case !oSet:
		return c, false
	case !cSet:
		return o, false
	case *c == *o:
		return c, false
	case otherWins:
		return o, true
	default:
		return c, true
	}
}

func pick[T comparable](c, o *T, otherWins bool) (*T, bool) {
	switch {
	case o == nil:
		return c, false
	case c == nil:
		return o, false
	case *c == *o:
		return c, false
	case otherWins:
		return o, true
	default:
		return c, true
	}
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	union := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			union = append(union, v)
		}
	}
	slices.Sort(union)
	return union
}
