// Package transfer moves cached abstracts into the Solr index. Updates are
// atomic partial updates, so the rest of each work's document survives; the
// provenance fields record which provider answered and when.
package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/solr"
)

// Store is the slice of the persistence layer the transfer needs.
type Store interface {
	ReadCompleteRecords(ctx context.Context, fn func(req *domain.Request) error) error
	MarkSolarized(ctx context.Context, openalexIDs []string) (int64, error)
}

// Solr is the slice of the index client the transfer needs.
type Solr interface {
	GetByIDs(ctx context.Context, ids []string, fields string) ([]solr.Doc, error)
	UpdatePartial(ctx context.Context, updates []solr.FieldUpdate) error
}

// Options tunes one transfer run.
type Options struct {
	// Force overwrites abstracts that already exist in the index. The
	// default keeps whatever is there and only fills gaps.
	Force     bool
	BatchSize int
}

// Stats counts one transfer run.
type Stats struct {
	Read    int // complete records pulled from the cache
	Written int // documents updated in Solr
	Skipped int // works whose document already had an abstract
	Orphans int // works without a Solr document
}

type Transferrer struct {
	store Store
	solr  Solr
	opts  Options
	log   *zap.SugaredLogger
}

func New(st Store, sl Solr, opts Options, log *zap.SugaredLogger) *Transferrer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 250
	}
	return &Transferrer{store: st, solr: sl, opts: opts, log: log}
}

// Run streams every complete, untransferred record and writes it to the
// index in batches. Every processed work is marked solarized afterwards,
// including skipped and orphaned ones, so it never comes around again.
func (t *Transferrer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	batch := make([]*domain.Request, 0, t.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.transferBatch(ctx, batch, &stats); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := t.store.ReadCompleteRecords(ctx, func(req *domain.Request) error {
		stats.Read++
		clone := *req
		batch = append(batch, &clone)
		if len(batch) >= t.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}
	t.log.Infow("transfer finished",
		"read", stats.Read, "written", stats.Written,
		"skipped", stats.Skipped, "orphans", stats.Orphans)
	return stats, nil
}

func (t *Transferrer) transferBatch(ctx context.Context, batch []*domain.Request, stats *Stats) error {
	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].OpenAlexID
	}

	docs, err := t.solr.GetByIDs(ctx, ids, "id,abstract")
	if err != nil {
		return err
	}
	hasAbstract := make(map[string]bool, len(docs))
	exists := make(map[string]bool, len(docs))
	for _, doc := range docs {
		id := doc.Str("id")
		exists[id] = true
		hasAbstract[id] = doc.Str("abstract") != ""
	}

	today := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	var updates []solr.FieldUpdate
	for _, req := range batch {
		switch {
		case !exists[req.OpenAlexID]:
			stats.Orphans++
			continue
		case hasAbstract[req.OpenAlexID] && !t.opts.Force:
			stats.Skipped++
			continue
		}
		fields := map[string]any{
			"abstract":        req.Abstract,
			"abstract_source": string(req.Wrapper),
			"abstract_date":   today,
		}
		if req.Title != "" {
			fields["title"] = req.Title
			fields["title_abstract"] = req.Title + "\n" + req.Abstract
		}
		updates = append(updates, solr.FieldUpdate{ID: req.OpenAlexID, Fields: fields})
	}

	if err := t.solr.UpdatePartial(ctx, updates); err != nil {
		return err
	}
	stats.Written += len(updates)

	if _, err := t.store.MarkSolarized(ctx, ids); err != nil {
		return err
	}
	return nil
}
