// Package worker drains the meta-cache queue: it pulls pending rows per
// source, fetches them through the adapters with pooled credentials and
// persists the responses. It also seeds the queue from the Solr gap scan.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/internal/store"
	"github.com/nacsos/meta-cache/pkg/sources"
)

// Store is the slice of the persistence layer the drainer needs.
type Store interface {
	UpdateDefaultSources(ctx context.Context) (int64, error)
	QueuedForSource(ctx context.Context, source domain.SourceTag, limit int) ([]domain.QueueCandidate, error)
	DropSourceFromQueued(ctx context.Context, source domain.SourceTag, queueIDs []int64) error
	DropUnforcedSourcesFromQueued(ctx context.Context, queueIDs []int64) error
	DropFinishedFromQueue(ctx context.Context, queueIDs []int64) error
	InsertRequests(ctx context.Context, requests []domain.Request) error
	KnownReferences(ctx context.Context, refs []domain.Reference) ([]domain.Reference, error)
	AcquireKey(ctx context.Context, source domain.SourceTag, authKeyID *uuid.UUID) (*domain.ApiKey, error)
	UpdateKeyFeedback(ctx context.Context, key *domain.ApiKey) error
}

// Config bounds one drain run.
type Config struct {
	MaxRuntime     time.Duration
	BatchSize      int
	MinAbstractLen int
}

// SourceStats counts what one drain run did for a source.
type SourceStats struct {
	Batches  int
	Skipped  int // candidates the on-conflict policy ruled out
	Fetched  int // candidates sent to the provider
	Found    int // candidates answered with an abstract
	Hit      int // candidates answered without an abstract
	Missing  int // candidates the provider did not know
	Records  int // response records persisted
	Failures int // batches that errored
}

// Stats aggregates a drain run per source.
type Stats map[domain.SourceTag]*SourceStats

func (s Stats) forSource(tag domain.SourceTag) *SourceStats {
	st, ok := s[tag]
	if !ok {
		st = &SourceStats{}
		s[tag] = st
	}
	return st
}

// Drainer empties the queue source by source within a bounded runtime.
// Sources drain in the order they were configured.
type Drainer struct {
	store    Store
	adapters []sources.Adapter
	cfg      Config
	log      *zap.SugaredLogger
}

func NewDrainer(st Store, adapters []sources.Adapter, cfg Config, log *zap.SugaredLogger) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MinAbstractLen <= 0 {
		cfg.MinAbstractLen = 25
	}
	return &Drainer{store: st, adapters: adapters, cfg: cfg, log: log}
}

// Drain works through the queue until every source reports empty or the
// runtime budget is spent. The budget is checked between batches; a batch in
// flight always completes, so the run overshoots by at most one provider
// round-trip.
func (d *Drainer) Drain(ctx context.Context) (Stats, error) {
	deadline := time.Now().Add(d.cfg.MaxRuntime)
	stats := Stats{}

	if n, err := d.store.UpdateDefaultSources(ctx); err != nil {
		return stats, err
	} else if n > 0 {
		d.log.Infow("assigned default sources", "rows", n)
	}

	drained := map[domain.SourceTag]bool{}
	for {
		progress := false
		for _, adapter := range d.adapters {
			tag := adapter.Tag()
			if drained[tag] {
				continue
			}
			if d.cfg.MaxRuntime != 0 && time.Now().After(deadline) {
				d.log.Infow("runtime budget spent", "stats", stats)
				return stats, nil
			}
			empty, err := d.drainBatch(ctx, adapter, stats.forSource(tag))
			if err != nil {
				if ctx.Err() != nil {
					return stats, err
				}
				d.log.Warnw("source batch failed", "source", tag, "error", err)
				drained[tag] = true // retry next run
				continue
			}
			if empty {
				drained[tag] = true
				continue
			}
			progress = true
		}
		if !progress {
			return stats, nil
		}
	}
}

// drainBatch processes one batch for a source. Returns true when the queue
// holds nothing more for it.
func (d *Drainer) drainBatch(ctx context.Context, adapter sources.Adapter, st *SourceStats) (bool, error) {
	tag := adapter.Tag()
	candidates, err := d.store.QueuedForSource(ctx, tag, d.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return true, nil
	}
	st.Batches++

	// The on-conflict policy decides per row whether existing evidence
	// suffices. A retry-abstract row satisfied by an abstract from any source
	// is done for good, unless a later FORCE step is pending: forced fetches
	// run regardless of evidence, so such rows only lose the current step.
	// The other skip reasons are scoped to this source either way.
	var fetch []domain.QueueCandidate
	var skipIDs, finishedIDs []int64
	for _, c := range candidates {
		switch {
		case c.ShouldFetch():
			fetch = append(fetch, c)
		case c.OnConflict == domain.ConflictRetryAbstract && len(c.Sources.KeepForced()) == 0:
			finishedIDs = append(finishedIDs, c.QueueID)
		default:
			skipIDs = append(skipIDs, c.QueueID)
		}
	}
	st.Skipped += len(skipIDs) + len(finishedIDs)
	if err := d.store.DropSourceFromQueued(ctx, tag, skipIDs); err != nil {
		return false, err
	}
	if err := d.store.DropFinishedFromQueue(ctx, finishedIDs); err != nil {
		return false, err
	}
	if len(fetch) == 0 {
		return false, nil
	}

	key, err := d.store.AcquireKey(ctx, tag, nil)
	if err != nil {
		if errors.Is(err, store.ErrNoKeys) {
			d.log.Warnw("no credentials, skipping source", "source", tag)
			return true, nil
		}
		return false, err
	}

	for start := 0; start < len(fetch); start += adapter.PageSizeMax() {
		end := start + adapter.PageSizeMax()
		if end > len(fetch) {
			end = len(fetch)
		}
		if err := d.fetchPage(ctx, adapter, key, fetch[start:end], st); err != nil {
			return false, err
		}
	}

	if err := d.store.UpdateKeyFeedback(ctx, key); err != nil {
		d.log.Warnw("failed to persist key feedback", "source", tag, "error", err)
	}
	return false, nil
}

func (d *Drainer) fetchPage(ctx context.Context, adapter sources.Adapter, key *domain.ApiKey, page []domain.QueueCandidate, st *SourceStats) error {
	tag := adapter.Tag()
	refs := make([]domain.Reference, len(page))
	pageIDs := make([]int64, len(page))
	for i := range page {
		refs[i] = page[i].Reference
		pageIDs[i] = page[i].QueueID
	}

	records, err := adapter.Fetch(ctx, refs, key)
	switch {
	case errors.Is(err, sources.ErrPermanentFailure),
		errors.Is(err, sources.ErrInvalidRequest),
		errors.Is(err, sources.ErrNotImplemented):
		// The source cannot serve these rows; retrying is pointless, so
		// they fall through to the next source in their list.
		st.Failures++
		d.log.Warnw("dropping source from batch", "source", tag, "rows", len(pageIDs), "error", err)
		return d.store.DropSourceFromQueued(ctx, tag, pageIDs)
	case err != nil:
		// Transient failure: leave the rows queued for the next run.
		st.Failures++
		return err
	}
	st.Fetched += len(page)

	// Complete identifiers from the queue rows that asked and from earlier
	// responses about the same works.
	known, err := d.store.KnownReferences(ctx, refs)
	if err != nil {
		return err
	}
	known = append(known, refs...)

	requests := make([]domain.Request, 0, len(records))
	var foundIDs, hitIDs, missingIDs []int64
	matched := make([]bool, len(page))
	for i := range records {
		rec := &records[i]
		rec.CompleteFrom(known)

		req := domain.Request{
			Wrapper:   tag,
			APIKeyID:  &key.APIKeyID,
			Reference: rec.Reference,
			Title:     rec.Title,
			Abstract:  rec.Abstract,
			Raw:       []byte(rec.Raw),
		}
		req.ClampAbstract(d.cfg.MinAbstractLen)

		for j := range page {
			if !matched[j] && rec.Matches(&page[j].Reference) {
				matched[j] = true
				id := page[j].QueueID
				req.QueueID = &id
				if req.Successful() {
					foundIDs = append(foundIDs, id)
				} else {
					hitIDs = append(hitIDs, id)
				}
			}
		}
		requests = append(requests, req)
	}
	for j := range page {
		if !matched[j] {
			missingIDs = append(missingIDs, page[j].QueueID)
		}
	}
	st.Found += len(foundIDs)
	st.Hit += len(hitIDs)
	st.Missing += len(missingIDs)
	st.Records += len(requests)

	if err := d.store.InsertRequests(ctx, requests); err != nil {
		return err
	}
	// The consumed source step is popped for every processed row. Works with
	// an abstract additionally lose their remaining TRY steps; answered-but-
	// empty and unknown works just move on to their next source.
	allIDs := append(append(foundIDs, hitIDs...), missingIDs...)
	if err := d.store.DropSourceFromQueued(ctx, tag, allIDs); err != nil {
		return err
	}
	return d.store.DropUnforcedSourcesFromQueued(ctx, foundIDs)
}
