package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/solr"
)

// GapSolr is the slice of the Solr client the gap scan needs.
type GapSolr interface {
	SelectCursor(ctx context.Context, q solr.Query, fn func(doc solr.Doc) error) error
}

// GapStore is the slice of the persistence layer the gap scan needs.
type GapStore interface {
	FilterUnseenOpenAlexIDs(ctx context.Context, ids []string) ([]string, error)
	QueueRequests(ctx context.Context, refs []domain.Reference, sources domain.SourceList, onConflict domain.OnConflict) (int, error)
}

// GapDetector scans the index for works without an abstract and enqueues
// them with the default source order. Works already queued or already
// answered are skipped; the match runs on the OpenAlex ID alone, which is
// the one identifier the index is guaranteed to have.
type GapDetector struct {
	solr    GapSolr
	store   GapStore
	limit   int
	filters []string
	log     *zap.SugaredLogger
}

// gapScanHardCap bounds any single run, no matter what the caller asks for:
// roughly half the index has no abstract anywhere, and one run must not
// swallow the whole backlog.
const gapScanHardCap = 100000

// NewGapDetector builds a detector; limit bounds one run (0 means the hard
// cap, larger values are clamped to it).
func NewGapDetector(sl GapSolr, st GapStore, limit int, log *zap.SugaredLogger) *GapDetector {
	if limit <= 0 || limit > gapScanHardCap {
		limit = gapScanHardCap
	}
	return &GapDetector{solr: sl, store: st, limit: limit, log: log}
}

// Restrict narrows the scan with extra filter queries, e.g. a
// created_date range or an explicit id:(...) set.
func (g *GapDetector) Restrict(filters ...string) *GapDetector {
	g.filters = append(g.filters, filters...)
	return g
}

// Seed runs one capped scan-and-enqueue pass. Returns the number of queue
// rows created.
func (g *GapDetector) Seed(ctx context.Context) (int, error) {
	var docs []domain.Reference
	err := g.solr.SelectCursor(ctx, solr.Query{
		Q:       "-abstract:*",
		Filters: g.filters,
		Fields:  "id,doi",
		Rows:    10000,
	}, func(doc solr.Doc) error {
		docs = append(docs, domain.Reference{
			OpenAlexID: doc.Str("id"),
			DOI:        doc.Str("doi"),
		})
		if len(docs) >= g.limit {
			return errScanCapReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanCapReached) {
		return 0, err
	}
	g.log.Infow("gap scan finished", "candidates", len(docs), "capped", errors.Is(err, errScanCapReached))

	queued := 0
	const chunk = 1000
	for start := 0; start < len(docs); start += chunk {
		end := start + chunk
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = domain.CanonicalID(batch[i].OpenAlexID)
		}
		unseen, err := g.store.FilterUnseenOpenAlexIDs(ctx, ids)
		if err != nil {
			return queued, err
		}
		keep := make(map[string]bool, len(unseen))
		for _, id := range unseen {
			keep[id] = true
		}

		refs := make([]domain.Reference, 0, len(unseen))
		for i := range batch {
			if keep[domain.CanonicalID(batch[i].OpenAlexID)] {
				refs = append(refs, batch[i])
			}
		}
		n, err := g.store.QueueRequests(ctx, refs, nil, domain.ConflictDoNothing)
		if err != nil {
			return queued, err
		}
		queued += n
	}
	g.log.Infow("gap seeding done", "queued", queued)
	return queued, nil
}

var errScanCapReached = errors.New("gap scan cap reached")
