package models

import (
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Business is the aggregate root of the pipeline: one scraped and enriched
// business. Merged-away records keep their row with MergedInto set.
type Business struct {
	ID               string                   `json:"id" db:"id" validate:"required"`
	Name             string                   `json:"name" db:"name" validate:"required"`
	Address          *string                  `json:"address,omitempty" db:"address"`
	City             *string                  `json:"city,omitempty" db:"city"`
	State            *string                  `json:"state,omitempty" db:"state"`
	PostalCode       *string                  `json:"postal_code,omitempty" db:"postal_code"`
	Phone            *string                  `json:"phone,omitempty" db:"phone"`
	Website          *string                  `json:"website,omitempty" db:"website"`
	Vertical         *string                  `json:"vertical,omitempty" db:"vertical"`
	Description      *string                  `json:"description,omitempty" db:"description"`
	TechStack        database.JSONB[[]string] `json:"tech_stack" db:"tech_stack"`
	PerformanceScore *float64                 `json:"performance_score,omitempty" db:"performance_score" validate:"omitempty,gte=0,lte=100"`
	Rating           *float64                 `json:"rating,omitempty" db:"rating" validate:"omitempty,gte=0,lte=5"`
	ReviewCount      *int                     `json:"review_count,omitempty" db:"review_count" validate:"omitempty,gte=0"`
	MergedInto       *string                  `json:"merged_into,omitempty" db:"merged_into"`
	MergedAt         *time.Time               `json:"merged_at,omitempty" db:"merged_at"`
	CreatedAt        time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at" db:"updated_at"`
}

// BusinessColumns lists the businesses table columns in select order.
var BusinessColumns = []string{
	"id", "name", "address", "city", "state", "postal_code", "phone", "website", "vertical",
	"description", "tech_stack", "performance_score", "rating", "review_count",
	"merged_into", "merged_at", "created_at", "updated_at",
}

// IsTombstoned reports whether the record was merged into another one.
func (b *Business) IsTombstoned() bool {
	return b.MergedInto != nil && *b.MergedInto != ""
}

// NonNullCount counts populated identity and enrichment fields. Merges keep
// the more complete record as canonical.
func (b *Business) NonNullCount() int {
	count := 0
	if strings.TrimSpace(b.Name) != "" {
		count++
	}
	for _, s := range []*string{b.Address, b.City, b.State, b.PostalCode, b.Phone, b.Website, b.Vertical, b.Description} {
		if s != nil && strings.TrimSpace(*s) != "" {
			count++
		}
	}
	if len(b.TechStack.Data) > 0 {
		count++
	}
	if b.PerformanceScore != nil {
		count++
	}
	if b.Rating != nil {
		count++
	}
	if b.ReviewCount != nil {
		count++
	}
	return count
}

// StringValue dereferences an optional string field.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
