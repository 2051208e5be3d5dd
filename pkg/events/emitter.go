// Package events handles event emission for scored leads and merges
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// EventType defines the type of event
type EventType string

const (
	EventTypeLeadScored     EventType = "lead.scored"
	EventTypeBusinessMerged EventType = "business.merged"
)

// Publisher writes one keyed JSON event.
type Publisher interface {
	PublishJSON(ctx context.Context, key, eventType string, payload any) error
}

// LeadScoredEvent is the downstream contract for a scored lead.
type LeadScoredEvent struct {
	EventType EventType           `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	Score     *models.ScoreRecord `json:"score"`
	Business  *models.Business    `json:"business"`
}

// BusinessMergedEvent is emitted after a merge commits.
type BusinessMergedEvent struct {
	EventType   EventType        `json:"event_type"`
	Timestamp   time.Time        `json:"timestamp"`
	CanonicalID string           `json:"canonical_id"`
	MergedID    string           `json:"merged_id"`
	LogEntryID  string           `json:"log_entry_id"`
	Conflicts   []string         `json:"conflicts,omitempty"`
	Canonical   *models.Business `json:"canonical,omitempty"`
}

// Emitter handles event emission for clover
type Emitter struct {
	leads  Publisher
	merges Publisher
	logger ectologger.Logger
	now    func() time.Time
}

// NewEmitter creates a new event emitter. merges may be nil to skip merge events.
func NewEmitter(leads, merges Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		leads:  leads,
		merges: merges,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EmitLeadScored emits a lead.scored event keyed by business id. Tombstoned
// records are never emitted.
func (e *Emitter) EmitLeadScored(ctx context.Context, record *models.ScoreRecord, business *models.Business) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitLeadScored")
	defer span.End()

	if business == nil || business.IsTombstoned() {
		return nil
	}

	event := &LeadScoredEvent{
		EventType: EventTypeLeadScored,
		Timestamp: e.now(),
		Score:     record,
		Business:  business,
	}

	if err := e.leads.PublishJSON(ctx, business.ID, string(event.EventType), event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"business_id": business.ID,
		}).Error("Failed to emit lead.scored event")
		return err
	}
	return nil
}

// PublishMerge emits a business.merged event keyed by canonical id. No-op
// merges are not announced.
func (e *Emitter) PublishMerge(ctx context.Context, result *models.MergeResult) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.PublishMerge")
	defer span.End()

	if e.merges == nil || result == nil || result.AlreadyMerged || result.LogEntry == nil {
		return nil
	}

	event := &BusinessMergedEvent{
		EventType:   EventTypeBusinessMerged,
		Timestamp:   e.now(),
		CanonicalID: result.CanonicalID,
		MergedID:    result.TombstonedID,
		LogEntryID:  result.LogEntry.ID,
		Conflicts:   result.Conflicts,
		Canonical:   result.Canonical,
	}

	if err := e.merges.PublishJSON(ctx, result.CanonicalID, string(event.EventType), event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"canonical_id": result.CanonicalID,
			"merged_id":    result.TombstonedID,
		}).Error("Failed to emit business.merged event")
		return err
	}
	return nil
}
