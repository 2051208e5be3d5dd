package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Runner executes Cypher statements. *Client implements it.
type Runner interface {
	RunWrite(ctx context.Context, cypher string, params map[string]any) error
	RunRead(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
}

const projectMergeCypher = `
MERGE (p:Business {id: $primary_id})
MERGE (s:Business {id: $secondary_id})
SET s.merged = true
MERGE (s)-[r:MERGED_INTO]->(p)
ON CREATE SET r.log_id = $log_id, r.merged_at = $merged_at
`

// Follows MERGED_INTO edges of any depth back to the canonical record.
const mergedIDsCypher = `
MATCH (s:Business)-[:MERGED_INTO*1..]->(p:Business {id: $id})
RETURN DISTINCT s.id AS id
ORDER BY id
`

// LineageService mirrors the dedupe log as MERGED_INTO edges.
type LineageService struct {
	runner Runner
	logger ectologger.Logger
}

// NewLineageService creates a new lineage service
func NewLineageService(runner Runner, logger ectologger.Logger) *LineageService {
	return &LineageService{
		runner: runner,
		logger: logger,
	}
}

// ProjectMerge records one merge. Projecting the same entry again is a no-op.
func (s *LineageService) ProjectMerge(ctx context.Context, entry models.DedupeLogEntry) error {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageService.ProjectMerge")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":   entry.PrimaryID,
		"secondary_id": entry.SecondaryID,
	})

	err := s.runner.RunWrite(ctx, projectMergeCypher, map[string]any{
		"primary_id":   entry.PrimaryID,
		"secondary_id": entry.SecondaryID,
		"log_id":       entry.ID,
		"merged_at":    entry.MergeTimestamp.UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		log.WithError(err).Error("Failed to project merge")
		return fmt.Errorf("failed to project merge: %w", err)
	}

	log.Debug("Projected merge into lineage graph")
	return nil
}

// MergedInto lists every record merged, directly or transitively, into id.
func (s *LineageService) MergedInto(ctx context.Context, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageService.MergedInto")
	defer span.End()

	records, err := s.runner.RunRead(ctx, mergedIDsCypher, map[string]any{"id": id})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": id}).Error("Failed to read lineage")
		return nil, fmt.Errorf("failed to read lineage: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		v, ok := r.Get("id")
		if !ok {
			continue
		}
		if str, ok := v.(string); ok {
			ids = append(ids, str)
		}
	}
	return ids, nil
}
