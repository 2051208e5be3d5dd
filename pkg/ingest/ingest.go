// Package ingest consumes enriched business records, stores them and
// triggers batches once enough records have arrived.
package ingest

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// BusinessUpserter stores incoming records.
type BusinessUpserter interface {
	Upsert(ctx context.Context, b *models.Business) error
	ResolveCanonical(ctx context.Context, id string) (string, error)
}

// BatchRunner runs a batch over the given records.
type BatchRunner interface {
	RunBatch(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error)
}

// Config tunes batch triggering.
type Config struct {
	// BatchSize triggers a batch once this many records are pending
	BatchSize int
	// FlushInterval triggers a batch for any pending records; zero disables
	FlushInterval time.Duration
}

// Ingester handles enriched-businesses messages.
type Ingester struct {
	logger     ectologger.Logger
	businesses BusinessUpserter
	runner     BatchRunner
	cfg        Config
	now        func() time.Time

	mu      sync.Mutex
	pending []string
}

// NewIngester creates a new ingester
func NewIngester(logger ectologger.Logger, businesses BusinessUpserter, runner BatchRunner, cfg Config) *Ingester {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Ingester{
		logger:     logger,
		businesses: businesses,
		runner:     runner,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle stores one record. Malformed or invalid records fail with
// ErrValidation so the consumer drops them; storage failures are transient.
func (i *Ingester) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.Ingester.Handle")
	defer span.End()

	var b models.Business
	if err := msg.Decode(&b); err != nil {
		return failures.Wrap(failures.ErrValidation, "ingest", "decode record", msg.Key, err)
	}
	b.ID = strings.TrimSpace(b.ID)
	b.Name = strings.TrimSpace(b.Name)
	if _, err := utils.Validate(b); err != nil {
		return failures.Wrap(failures.ErrValidation, "ingest", "validate record", b.ID, err)
	}

	// merge state belongs to this service, never to upstream
	b.MergedInto = nil
	b.MergedAt = nil
	now := i.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	canonicalID, err := i.canonical(ctx, b.ID)
	if err != nil {
		return failures.Wrap(failures.ErrTransient, "ingest", "resolve canonical", b.ID, err)
	}
	if canonicalID != b.ID {
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"business_id":  b.ID,
			"canonical_id": canonicalID,
		}).Info("Record was merged, applying update to its canonical record")
		b.ID = canonicalID
	}

	if err := i.businesses.Upsert(ctx, &b); err != nil {
		return failures.Wrap(failures.ErrTransient, "ingest", "upsert record", b.ID, err)
	}

	i.logger.WithContext(ctx).WithFields(map[string]any{
		"business_id": b.ID,
		"offset":      msg.Offset,
	}).Debug("Ingested business")

	if i.enqueue(b.ID) >= i.cfg.BatchSize {
		i.Flush(ctx)
	}
	return nil
}

// canonical returns the active record an update for id lands on. Unknown
// ids are new records.
func (i *Ingester) canonical(ctx context.Context, id string) (string, error) {
	canonicalID, err := i.businesses.ResolveCanonical(ctx, id)
	if httperror.GetStatusCode(err) == http.StatusNotFound {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return canonicalID, nil
}

func (i *Ingester) enqueue(id string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !slices.Contains(i.pending, id) {
		i.pending = append(i.pending, id)
	}
	return len(i.pending)
}

// Pending returns the number of records waiting for a batch.
func (i *Ingester) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Flush runs a batch over the pending records. When the batch itself
// fails the records stay pending for the next flush.
func (i *Ingester) Flush(ctx context.Context) {
	i.mu.Lock()
	ids := i.pending
	i.pending = nil
	i.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	log := i.logger.WithContext(ctx).WithFields(map[string]any{"records": len(ids)})
	report, err := i.runner.RunBatch(ctx, models.BatchRequest{BusinessIDs: ids})
	if err != nil {
		log.WithError(err).Error("Ingest batch failed, keeping records pending")
		i.mu.Lock()
		for _, id := range ids {
			if !slices.Contains(i.pending, id) {
				i.pending = append(i.pending, id)
			}
		}
		i.mu.Unlock()
		return
	}

	log.WithFields(map[string]any{
		"batch_id":       report.BatchID,
		"records_scored": report.RecordsScored,
		"records_failed": report.RecordsFailed,
	}).Info("Ingest batch finished")
}

// Run flushes pending records every FlushInterval until ctx ends.
func (i *Ingester) Run(ctx context.Context) {
	if i.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(i.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Flush(ctx)
		}
	}
}
