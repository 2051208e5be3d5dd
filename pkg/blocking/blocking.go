// Package blocking groups business records into blocks by a cheap key so the
// similarity evaluator only compares records that plausibly match.
package blocking

import (
	"context"
	"iter"
	"slices"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MergeLog answers which pairs were already merged.
type MergeLog interface {
	MergedPairs(ctx context.Context, ids []string) (models.PairSet, error)
}

// ReviewLog answers which pairs a reviewer already resolved, and when.
type ReviewLog interface {
	ReviewedPairs(ctx context.Context, ids []string) (map[models.Pair]time.Time, error)
}

// PeerStore finds active records by block key.
type PeerStore interface {
	ListActiveByBlockKeys(ctx context.Context, keys []string, prefixLength int) ([]models.Business, error)
}

// Config contains configuration for the pair generator.
type Config struct {
	PrefixLength int // Name prefix runes in the block key (default: 4)
	MaxBlockSize int // Blocks above this size are logged (default: 500)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PrefixLength: 4,
		MaxBlockSize: 500,
	}
}

// Block is a set of records sharing a key, ids sorted ascending.
type Block struct {
	Key string
	IDs []string
}

// Pairs yields every unordered pair in the block, skipping pairs in any of
// the exclude sets.
func (b Block) Pairs(exclude ...models.PairSet) iter.Seq[models.Pair] {
	return func(yield func(models.Pair) bool) {
		for i := 0; i < len(b.IDs); i++ {
			for j := i + 1; j < len(b.IDs); j++ {
				p := models.NewPair(b.IDs[i], b.IDs[j])
				if slices.ContainsFunc(exclude, func(set models.PairSet) bool { return set.Has(p) }) {
					continue
				}
				if !yield(p) {
					return
				}
			}
		}
	}
}

// Size returns the number of pairs the block can produce before exclusions.
func (b Block) Size() int {
	n := len(b.IDs)
	return n * (n - 1) / 2
}

// Candidates is the blocked view of a batch.
type Candidates struct {
	Blocks []Block
	Merged models.PairSet
	// Settled holds pairs a reviewer resolved with neither record changed since
	Settled models.PairSet
}

// Pairs yields the pairs of b that still need evaluation.
func (c *Candidates) Pairs(b Block) iter.Seq[models.Pair] {
	return b.Pairs(c.Merged, c.Settled)
}

// All yields every candidate pair, block by block. Each call restarts the sequence.
func (c *Candidates) All() iter.Seq[models.Pair] {
	return func(yield func(models.Pair) bool) {
		for _, b := range c.Blocks {
			for p := range c.Pairs(b) {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// Count returns the number of pairs All yields.
func (c *Candidates) Count() int {
	n := 0
	for range c.All() {
		n++
	}
	return n
}

// Generator builds candidate pairs for a batch.
type Generator struct {
	log       ectologger.Logger
	mergeLog  MergeLog
	reviewLog ReviewLog
	peers     PeerStore
	cfg       Config
}

// Option configures optional generator collaborators.
type Option func(*Generator)

// WithReviewLog skips pairs a reviewer already resolved.
func WithReviewLog(r ReviewLog) Option {
	return func(g *Generator) { g.reviewLog = r }
}

// WithPeers lets Peers look up stored records sharing a batch's block keys.
func WithPeers(p PeerStore) Option {
	return func(g *Generator) { g.peers = p }
}

// NewGenerator creates a new pair generator.
func NewGenerator(log ectologger.Logger, mergeLog MergeLog, cfg Config, opts ...Option) *Generator {
	if cfg.PrefixLength <= 0 {
		cfg.PrefixLength = DefaultConfig().PrefixLength
	}
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = DefaultConfig().MaxBlockSize
	}
	g := &Generator{
		log:      log,
		mergeLog: mergeLog,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key returns the block key for a record, or "" when the name normalizes away.
func Key(b *models.Business, prefixLength int) string {
	name := normalizers.CompactName(b.Name)
	if name == "" {
		return ""
	}
	if utf8.RuneCountInString(name) > prefixLength {
		name = string([]rune(name)[:prefixLength])
	}
	return name + "|" + normalizers.NormalizeZipCode(models.StringValue(b.PostalCode))
}

// Generate blocks the batch and loads the merged pairs to exclude.
// Tombstoned records and records without a usable name are left out.
func (g *Generator) Generate(ctx context.Context, records []models.Business) (*Candidates, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Generator.Generate")
	defer span.End()

	log := g.log.WithContext(ctx)

	byKey := make(map[string][]string)
	ids := make([]string, 0, len(records))
	updated := make(map[string]time.Time, len(records))
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		r := &records[i]
		if r.IsTombstoned() {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		key := Key(r, g.cfg.PrefixLength)
		if key == "" {
			log.WithFields(map[string]any{"business_id": r.ID}).Debug("Record has no blockable name")
			continue
		}
		byKey[key] = append(byKey[key], r.ID)
		ids = append(ids, r.ID)
		updated[r.ID] = r.UpdatedAt
	}

	keys := make([]string, 0, len(byKey))
	for k, members := range byKey {
		if len(members) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	blocks := make([]Block, 0, len(keys))
	for _, k := range keys {
		members := byKey[k]
		sort.Strings(members)
		if len(members) > g.cfg.MaxBlockSize {
			log.WithFields(map[string]any{
				"block_key":  k,
				"block_size": len(members),
				"max_size":   g.cfg.MaxBlockSize,
			}).Warn("Oversized block")
		}
		blocks = append(blocks, Block{Key: k, IDs: members})
	}

	merged := models.PairSet{}
	settled := models.PairSet{}
	if len(blocks) > 0 {
		sort.Strings(ids)
		var err error
		if g.mergeLog != nil {
			if merged, err = g.mergeLog.MergedPairs(ctx, ids); err != nil {
				return nil, err
			}
		}
		if g.reviewLog != nil {
			if settled, err = g.settled(ctx, ids, updated); err != nil {
				return nil, err
			}
		}
	}

	log.WithFields(map[string]any{
		"records": len(ids),
		"blocks":  len(blocks),
		"settled": len(settled),
	}).Debug("Built candidate blocks")

	return &Candidates{Blocks: blocks, Merged: merged, Settled: settled}, nil
}

// settled keeps the reviewed pairs whose records are unchanged since the
// review. A record updated after its review resurfaces.
func (g *Generator) settled(ctx context.Context, ids []string, updated map[string]time.Time) (models.PairSet, error) {
	reviewed, err := g.reviewLog.ReviewedPairs(ctx, ids)
	if err != nil {
		return nil, err
	}
	settled := models.PairSet{}
	for p, at := range reviewed {
		if updated[p.A].After(at) || updated[p.B].After(at) {
			continue
		}
		settled.Add(p)
	}
	return settled, nil
}

// Peers returns the active stored records outside records that share a
// block key with one of them. Without a PeerStore it returns nothing.
func (g *Generator) Peers(ctx context.Context, records []models.Business) ([]models.Business, error) {
	if g.peers == nil {
		return nil, nil
	}

	ctx, span := tracing.StartSpan(ctx, "blocking.Generator.Peers")
	defer span.End()

	in := make(map[string]struct{}, len(records))
	keys := make([]string, 0, len(records))
	for i := range records {
		r := &records[i]
		in[r.ID] = struct{}{}
		if r.IsTombstoned() {
			continue
		}
		if key := Key(r, g.cfg.PrefixLength); key != "" && !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	found, err := g.peers.ListActiveByBlockKeys(ctx, keys, g.cfg.PrefixLength)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	peers := make([]models.Business, 0, len(found))
	for _, r := range found {
		if _, ok := in[r.ID]; !ok && !r.IsTombstoned() {
			peers = append(peers, r)
		}
	}
	return peers, nil
}
