package merging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestFieldMerger_Merge(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	m := &FieldMerger{now: func() time.Time { return fixed }}

	canonical := &models.Business{
		ID:          "a",
		Name:        "Acme Plumbing",
		Address:     ptr("12 Main St"),
		Phone:       nil,
		Website:     ptr("acme.com"),
		TechStack:   database.NewJSONB([]string{"wordpress", "jquery"}),
		Rating:      ptr(4.5),
		ReviewCount: ptr(10),
		CreatedAt:   older,
		UpdatedAt:   older,
	}
	other := &models.Business{
		ID:          "b",
		Name:        "Acme Plumbing LLC",
		Address:     ptr(""),
		Phone:       ptr("5125550100"),
		Website:     ptr("acmeplumbing.com"),
		TechStack:   database.NewJSONB([]string{"jquery", "google-analytics"}),
		Rating:      ptr(4.5),
		ReviewCount: ptr(12),
		CreatedAt:   older.Add(-time.Hour),
		UpdatedAt:   newer,
	}

	merged, conflicts := m.Merge(canonical, other)

	assert.Equal(t, "a", merged.ID)
	assert.Equal(t, "Acme Plumbing LLC", merged.Name, "newer record wins when both populated")
	assert.Equal(t, "12 Main St", *merged.Address, "populated beats empty")
	assert.Equal(t, "5125550100", *merged.Phone, "populated beats missing")
	assert.Equal(t, "acmeplumbing.com", *merged.Website)
	assert.Equal(t, 12, *merged.ReviewCount)
	assert.Equal(t, 4.5, *merged.Rating)
	assert.Equal(t, []string{"google-analytics", "jquery", "wordpress"}, merged.TechStack.Data)
	assert.Equal(t, other.CreatedAt, merged.CreatedAt)
	assert.Equal(t, fixed, merged.UpdatedAt)
	assert.Equal(t, []string{"name", "website", "review_count"}, conflicts)

	// inputs untouched
	assert.Equal(t, "Acme Plumbing", canonical.Name)
}

func TestFieldMerger_TieKeepsCanonical(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewFieldMerger()

	canonical := &models.Business{ID: "a", Name: "Acme", Vertical: ptr("plumbing"), UpdatedAt: ts}
	other := &models.Business{ID: "b", Name: "Acme Co", Vertical: ptr("hvac"), UpdatedAt: ts}

	merged, _ := m.Merge(canonical, other)
	assert.Equal(t, "Acme", merged.Name)
	assert.Equal(t, "plumbing", *merged.Vertical)
}
