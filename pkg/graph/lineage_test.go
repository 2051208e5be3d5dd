package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/models"
)

type call struct {
	cypher string
	params map[string]any
}

type fakeRunner struct {
	writes  []call
	reads   []call
	records []*neo4j.Record
	err     error
}

func (r *fakeRunner) RunWrite(_ context.Context, cypher string, params map[string]any) error {
	r.writes = append(r.writes, call{cypher, params})
	return r.err
}

func (r *fakeRunner) RunRead(_ context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	r.reads = append(r.reads, call{cypher, params})
	return r.records, r.err
}

func TestLineageService_ProjectMerge(t *testing.T) {
	runner := &fakeRunner{}
	svc := NewLineageService(runner, testutil.Logger())

	entry := models.DedupeLogEntry{
		ID:             "log-1",
		PrimaryID:      "a",
		SecondaryID:    "b",
		MergeTimestamp: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, svc.ProjectMerge(context.Background(), entry))

	require.Len(t, runner.writes, 1)
	w := runner.writes[0]
	assert.Contains(t, w.cypher, "MERGED_INTO")
	assert.Equal(t, map[string]any{
		"primary_id":   "a",
		"secondary_id": "b",
		"log_id":       "log-1",
		"merged_at":    "2024-05-01T09:30:00Z",
	}, w.params)
}

func TestLineageService_ProjectMerge_Error(t *testing.T) {
	runner := &fakeRunner{err: errors.New("connection refused")}
	svc := NewLineageService(runner, testutil.Logger())

	err := svc.ProjectMerge(context.Background(), models.DedupeLogEntry{PrimaryID: "a", SecondaryID: "b"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
}

func TestLineageService_MergedInto(t *testing.T) {
	runner := &fakeRunner{records: []*neo4j.Record{
		{Keys: []string{"id"}, Values: []any{"b"}},
		{Keys: []string{"id"}, Values: []any{"c"}},
		{Keys: []string{"other"}, Values: []any{"x"}},
	}}
	svc := NewLineageService(runner, testutil.Logger())

	ids, err := svc.MergedInto(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Equal(t, map[string]any{"id": "a"}, runner.reads[0].params)
}
