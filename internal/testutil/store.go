// Package testutil holds in-memory stand-ins for the repositories, used by
// service tests. Writes made under a Transactor transaction are undone on
// rollback.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Logger returns a logger that discards everything.
func Logger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// Store is an in-memory database.
type Store struct {
	mu         sync.Mutex
	businesses map[string]models.Business
	log        []models.DedupeLogEntry
	reviews    []models.ReviewQueueEntry
	scores     []models.ScoreRecord
	stages     map[string]models.StageStatus

	// Hooks let tests inject failures. They run without the store lock.
	BeforeGetForUpdate func(ids []string) error
	BeforeLogInsert    func(entry *models.DedupeLogEntry) error
	BeforeScoreInsert  func(record *models.ScoreRecord) error
}

func NewStore(businesses ...models.Business) *Store {
	s := &Store{
		businesses: make(map[string]models.Business),
		stages:     make(map[string]models.StageStatus),
	}
	for _, b := range businesses {
		s.businesses[b.ID] = b
	}
	return s
}

func (s *Store) Businesses() *Businesses { return &Businesses{s} }
func (s *Store) DedupeLog() *DedupeLog { return &DedupeLog{s} }
func (s *Store) Reviews() *Reviews { return &Reviews{s} }
func (s *Store) Scores() *Scores { return &Scores{s} }
func (s *Store) Stages() *Stages { return &Stages{s} }
func (s *Store) Transactor() *Transactor { return &Transactor{} }
func (s *Store) LogEntries() []models.DedupeLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Business returns a copy of the stored record.
func (s *Store) Business(id string) (models.Business, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.businesses[id]
	return b, ok
}

// ScoreRecords returns every stored score record.
func (s *Store) ScoreRecords() []models.ScoreRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scores)
}

// StageStatus returns the stored stage status.
func (s *Store) StageStatus(id string, stage models.Stage) (models.StageStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id+"|"+string(stage)]
	return st, ok
}

// ReviewEntries returns every stored review entry.
func (s *Store) ReviewEntries() []models.ReviewQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reviews)
}

// undo registers fn to run if the transaction in ctx rolls back. Called with s.mu held.
func (s *Store) undo(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok && tx.IsOpen() {
		tx.root().addUndo(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fn()
		})
	}
}

func notFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// Businesses mirrors the business repository.
type Businesses struct{ s *Store }

func (r *Businesses) Get(_ context.Context, id string) (*models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[id]
	if !ok {
		return nil, notFound("business %s not found", id)
	}
	return &b, nil
}

func (r *Businesses) GetMany(_ context.Context, ids []string) ([]models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var out []models.Business
	for _, id := range slices.Compact(sorted) {
		if b, ok := r.s.businesses[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Businesses) GetForUpdate(ctx context.Context, ids ...string) ([]models.Business, error) {
	if r.s.BeforeGetForUpdate != nil {
		if err := r.s.BeforeGetForUpdate(ids); err != nil {
			return nil, err
		}
	}
	return r.GetMany(ctx, ids)
}

func (r *Businesses) ListActive(_ context.Context, limit int) ([]models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Business
	for _, b := range r.s.businesses {
		if !b.IsTombstoned() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Businesses) ListActiveByBlockKeys(_ context.Context, keys []string, prefixLength int) ([]models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.Business{}
	for _, b := range r.s.businesses {
		if !b.IsTombstoned() && slices.Contains(keys, blocking.Key(&b, prefixLength)) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Businesses) Upsert(ctx context.Context, b *models.Business) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, existed := r.s.businesses[b.ID]
	if existed && prev.IsTombstoned() {
		return nil
	}
	next := *b
	if existed {
		next.MergedInto, next.MergedAt, next.CreatedAt = prev.MergedInto, prev.MergedAt, prev.CreatedAt
		fill(&next.Address, prev.Address)
		fill(&next.City, prev.City)
		fill(&next.State, prev.State)
		fill(&next.PostalCode, prev.PostalCode)
		fill(&next.Phone, prev.Phone)
		fill(&next.Website, prev.Website)
		fill(&next.Vertical, prev.Vertical)
		fill(&next.Description, prev.Description)
		fill(&next.PerformanceScore, prev.PerformanceScore)
		fill(&next.Rating, prev.Rating)
		fill(&next.ReviewCount, prev.ReviewCount)
		if len(next.TechStack.Data) == 0 {
			next.TechStack = prev.TechStack
		}
	}
	r.s.businesses[b.ID] = next
	r.s.undo(ctx, func() {
		if existed {
			r.s.businesses[b.ID] = prev
		} else {
			delete(r.s.businesses, b.ID)
		}
	})
	return nil
}

// fill keeps the stored value when the incoming one is NULL.
func fill[T any](incoming **T, stored *T) {
	if *incoming == nil {
		*incoming = stored
	}
}

func (r *Businesses) Update(ctx context.Context, b *models.Business) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.businesses[b.ID]
	if !ok || prev.IsTombstoned() {
		return notFound("active business %s not found", b.ID)
	}
	next := *b
	next.MergedInto, next.MergedAt = prev.MergedInto, prev.MergedAt
	r.s.businesses[b.ID] = next
	r.s.undo(ctx, func() { r.s.businesses[b.ID] = prev })
	return nil
}

func (r *Businesses) Tombstone(ctx context.Context, id, canonicalID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.businesses[id]
	if !ok || prev.IsTombstoned() {
		return false, nil
	}
	next := prev
	next.MergedInto = &canonicalID
	next.MergedAt = &at
	next.UpdatedAt = at
	r.s.businesses[id] = next
	r.s.undo(ctx, func() { r.s.businesses[id] = prev })
	return true, nil
}

func (r *Businesses) ResolveCanonical(_ context.Context, id string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := 0; i < 64; i++ {
		b, ok := r.s.businesses[id]
		if !ok {
			return "", notFound("canonical record for %s not found", id)
		}
		if !b.IsTombstoned() {
			return b.ID, nil
		}
		id = *b.MergedInto
	}
	return "", notFound("canonical record for %s not found", id)
}

// DedupeLog mirrors the dedupe log repository.
type DedupeLog struct{ s *Store }

func (r *DedupeLog) Insert(ctx context.Context, entry *models.DedupeLogEntry) error {
	if r.s.BeforeLogInsert != nil {
		if err := r.s.BeforeLogInsert(entry); err != nil {
			return err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.log {
		if e.SecondaryID == entry.SecondaryID {
			return failures.Wrap(failures.ErrMergeConflict, "dedupe", "log", "secondary "+entry.SecondaryID+" already merged", nil)
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	n := len(r.s.log)
	r.s.log = append(r.s.log, *entry)
	r.s.undo(ctx, func() { r.s.log = r.s.log[:n] })
	return nil
}

func (r *DedupeLog) IsPrimary(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.log {
		if e.PrimaryID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *DedupeLog) MergedPairs(_ context.Context, ids []string) (models.PairSet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pairs := models.PairSet{}
	for _, e := range r.s.log {
		if slices.Contains(ids, e.PrimaryID) || slices.Contains(ids, e.SecondaryID) {
			pairs.Add(models.NewPair(e.PrimaryID, e.SecondaryID))
		}
	}
	return pairs, nil
}

func (r *DedupeLog) GetBySecondary(_ context.Context, id string) (*models.DedupeLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.log {
		if e.SecondaryID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (r *DedupeLog) ListByPrimary(_ context.Context, id string) ([]models.DedupeLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.DedupeLogEntry{}
	for _, e := range r.s.log {
		if e.PrimaryID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// Reviews mirrors the review queue repository.
type Reviews struct{ s *Store }

func (r *Reviews) Insert(ctx context.Context, entry *models.ReviewQueueEntry) (*models.ReviewQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pair := models.NewPair(entry.Business1ID, entry.Business2ID)
	for _, e := range r.s.reviews {
		if !e.Reviewed && e.Pair() == pair {
			return nil, failures.Wrap(failures.ErrDuplicateReviewEntry, "review", "enqueue", pair.String(), nil)
		}
	}
	entry.Business1ID, entry.Business2ID = pair.A, pair.B
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()
	n := len(r.s.reviews)
	r.s.reviews = append(r.s.reviews, *entry)
	r.s.undo(ctx, func() { r.s.reviews = r.s.reviews[:n] })
	return entry, nil
}

func (r *Reviews) Get(_ context.Context, id string) (*models.ReviewQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.reviews {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, notFound("review entry %s not found", id)
}

func (r *Reviews) GetForUpdate(ctx context.Context, id string) (*models.ReviewQueueEntry, error) {
	return r.Get(ctx, id)
}

func (r *Reviews) ReviewedPairs(_ context.Context, ids []string) (map[models.Pair]time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[models.Pair]time.Time)
	for _, e := range r.s.reviews {
		if !e.Reviewed || e.ReviewedAt == nil || !slices.Contains(ids, e.Business1ID) || !slices.Contains(ids, e.Business2ID) {
			continue
		}
		if at, ok := out[e.Pair()]; !ok || e.ReviewedAt.After(at) {
			out[e.Pair()] = *e.ReviewedAt
		}
	}
	return out, nil
}

func (r *Reviews) List(_ context.Context, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.ReviewQueueEntry{}
	for _, e := range r.s.reviews {
		switch {
		case filter.State == models.ReviewStateReviewed && !e.Reviewed:
			continue
		case filter.State == models.ReviewStateUnreviewed && e.Reviewed:
			continue
		}
		out = append(out, e)
	}
	if filter.Offset >= len(out) {
		return []models.ReviewQueueEntry{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Reviews) Resolve(ctx context.Context, id string, decision models.ReviewDecision, reviewer string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, e := range r.s.reviews {
		if e.ID != id {
			continue
		}
		if e.Reviewed {
			return false, nil
		}
		prev := e
		e.Reviewed = true
		e.ReviewDecision = &decision
		e.ReviewedBy = models.StringPtr(reviewer)
		e.ReviewedAt = &at
		r.s.reviews[i] = e
		r.s.undo(ctx, func() { r.s.reviews[i] = prev })
		return true, nil
	}
	return false, nil
}

func (r *Reviews) CountPending(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.s.reviews {
		if !e.Reviewed {
			n++
		}
	}
	return n, nil
}

// Scores mirrors the score record repository.
type Scores struct{ s *Store }

func (r *Scores) Insert(ctx context.Context, record *models.ScoreRecord) error {
	if r.s.BeforeScoreInsert != nil {
		if err := r.s.BeforeScoreInsert(record); err != nil {
			return err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	n := len(r.s.scores)
	r.s.scores = append(r.s.scores, *record)
	r.s.undo(ctx, func() { r.s.scores = r.s.scores[:n] })
	return nil
}

func (r *Scores) Latest(_ context.Context, businessID string) (*models.ScoreRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.scores) - 1; i >= 0; i-- {
		if r.s.scores[i].BusinessID == businessID {
			rec := r.s.scores[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (r *Scores) ListByBusiness(_ context.Context, businessID string, limit int) ([]models.ScoreRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.ScoreRecord{}
	for i := len(r.s.scores) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.s.scores[i].BusinessID == businessID {
			out = append(out, r.s.scores[i])
		}
	}
	return out, nil
}

// Stages mirrors the stage status repository.
type Stages struct{ s *Store }

func (r *Stages) Upsert(_ context.Context, status *models.StageStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	status.UpdatedAt = time.Now().UTC()
	r.s.stages[status.BusinessID+"|"+string(status.Stage)] = *status
	return nil
}

func (r *Stages) ListByBusiness(_ context.Context, businessID string) ([]models.StageStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.StageStatus{}
	for _, st := range r.s.stages {
		if st.BusinessID == businessID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (r *Stages) ListFailed(_ context.Context, batchID string) ([]models.StageStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.StageStatus{}
	for _, st := range r.s.stages {
		if st.BatchID == batchID && st.Status == models.StageStateFailed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessID < out[j].BusinessID })
	return out, nil
}

type txKey struct{}

// Transactor hands out undo-log transactions over a Store.
type Transactor struct{}

func (t *Transactor) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	if parent, ok := ctx.Value(txKey{}).(*Tx); ok && parent.IsOpen() {
		return ctx, &Tx{parent: parent.root()}, nil
	}
	tx := &Tx{}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// Tx undoes registered writes on rollback. Only the owner finishes the work.
type Tx struct {
	parent *Tx

	mu     sync.Mutex
	undos  []func()
	closed bool
}

var errNoSQL = errors.New("testutil: in-memory transaction does not run SQL")

func (t *Tx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, errNoSQL }
func (t *Tx) GetContext(context.Context, any, string, ...any) error { return errNoSQL }
func (t *Tx) SelectContext(context.Context, any, string, ...any) error { return errNoSQL }
func (t *Tx) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, errNoSQL
}

func (t *Tx) root() *Tx {
	if t.parent != nil {
		return t.parent
	}
	return t
}

func (t *Tx) addUndo(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undos = append(t.undos, fn)
}

func (t *Tx) IsOpen() bool {
	r := t.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (t *Tx) IsOwner() bool { return t.parent == nil }

func (t *Tx) Commit(context.Context) error {
	if t.parent != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.undos = nil
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.parent != nil {
		return nil
	}
	t.mu.Lock()
	undos := t.undos
	already := t.closed
	t.closed = true
	t.undos = nil
	t.mu.Unlock()
	if already {
		return nil
	}
	for i := len(undos) - 1; i >= 0; i-- {
		undos[i]()
	}
	return nil
}
