// Package ingest keeps the Solr index in step with OpenAlex: it pulls the
// daily created/updated delta through the works API, merges it against the
// existing documents without losing fetched abstracts, and enqueues new
// works that still lack one.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/openalex"
	"github.com/nacsos/meta-cache/pkg/solr"
)

// OpenAlex is the slice of the works client the ingestor needs.
type OpenAlex interface {
	Works(ctx context.Context, filter string, fn func(work *openalex.Work, raw json.RawMessage) error) error
}

// Solr is the slice of the index client the ingestor needs.
type Solr interface {
	GetByIDs(ctx context.Context, ids []string, fields string) ([]solr.Doc, error)
	AddDocuments(ctx context.Context, docs []map[string]any) error
}

// Store is the slice of the persistence layer the ingestor needs.
type Store interface {
	QueueRequests(ctx context.Context, refs []domain.Reference, sources domain.SourceList, onConflict domain.OnConflict) (int, error)
}

// Stats counts one ingest run.
type Stats struct {
	Works     int // works pulled from OpenAlex
	Indexed   int // documents written to Solr
	Preserved int // existing fetched abstracts kept over an empty delta
	Queued    int // new works enqueued for abstract retrieval
}

type Ingestor struct {
	openalex OpenAlex
	solr     Solr
	store    Store
	batch    int
	log      *zap.SugaredLogger
}

func New(oa OpenAlex, sl Solr, st Store, log *zap.SugaredLogger) *Ingestor {
	return &Ingestor{openalex: oa, solr: sl, store: st, batch: 250, log: log}
}

// Day ingests the works created or updated on the given date.
func (in *Ingestor) Day(ctx context.Context, day time.Time) (Stats, error) {
	date := day.Format("2006-01-02")
	var stats Stats
	filters := []string{
		fmt.Sprintf("from_created_date:%s,to_created_date:%s", date, date),
		fmt.Sprintf("from_updated_date:%s,to_updated_date:%s", date, date),
	}
	seen := map[string]bool{}
	for _, filter := range filters {
		if err := in.run(ctx, filter, seen, &stats); err != nil {
			return stats, err
		}
	}
	in.log.Infow("day ingested", "date", date,
		"works", stats.Works, "indexed", stats.Indexed,
		"preserved", stats.Preserved, "queued", stats.Queued)
	return stats, nil
}

// Range ingests a span of days, oldest first. Used for catching up after an
// outage.
func (in *Ingestor) Range(ctx context.Context, from, to time.Time) (Stats, error) {
	var total Stats
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		stats, err := in.Day(ctx, day)
		total.Works += stats.Works
		total.Indexed += stats.Indexed
		total.Preserved += stats.Preserved
		total.Queued += stats.Queued
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (in *Ingestor) run(ctx context.Context, filter string, seen map[string]bool, stats *Stats) error {
	batch := make([]map[string]any, 0, in.batch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.flushBatch(ctx, batch, stats); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := in.openalex.Works(ctx, filter, func(work *openalex.Work, raw json.RawMessage) error {
		id := domain.CanonicalID(work.ID)
		if id == "" || seen[id] {
			return nil
		}
		seen[id] = true
		stats.Works++
		batch = append(batch, translateWork(work))
		if len(batch) >= in.batch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (in *Ingestor) flushBatch(ctx context.Context, batch []map[string]any, stats *Stats) error {
	ids := make([]string, len(batch))
	for i, doc := range batch {
		ids[i], _ = doc["id"].(string)
	}
	existing, err := in.solr.GetByIDs(ctx, ids, "id,abstract,abstract_source,abstract_date")
	if err != nil {
		return err
	}
	byID := make(map[string]solr.Doc, len(existing))
	for _, doc := range existing {
		byID[doc.Str("id")] = doc
	}

	today := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	var queueRefs []domain.Reference
	for _, doc := range batch {
		id, _ := doc["id"].(string)
		old := byID[id]
		mergeAbstract(doc, old, today, stats)

		// New works with a DOI but no abstract anywhere go onto the queue.
		_, hasAbstract := doc["abstract"]
		doi, _ := doc["doi"].(string)
		if !hasAbstract && doi != "" {
			ref := domain.Reference{OpenAlexID: id, DOI: doi}
			if pmid, ok := doc["pubmed_id"].(string); ok {
				ref.PubmedID = pmid
			}
			queueRefs = append(queueRefs, ref)
		}
	}

	if err := in.solr.AddDocuments(ctx, batch); err != nil {
		return err
	}
	stats.Indexed += len(batch)

	if len(queueRefs) > 0 {
		n, err := in.store.QueueRequests(ctx, queueRefs, nil, domain.ConflictDoNothing)
		if err != nil {
			return err
		}
		stats.Queued += n
	}
	return nil
}

// mergeAbstract reconciles the incoming document with what the index already
// holds. A fetched abstract survives an OpenAlex delta that has none; an
// OpenAlex abstract that replaces an older OpenAlex one keeps its source tag
// but an abstract we fetched from a provider is never downgraded silently:
// the old text stays and its source is marked OpenAlex_old only when it came
// from OpenAlex itself.
func mergeAbstract(doc map[string]any, old solr.Doc, today string, stats *Stats) {
	oldAbstract := old.Str("abstract")
	newAbstract, _ := doc["abstract"].(string)

	if newAbstract == "" {
		if oldAbstract == "" {
			return
		}
		// Delta lost the abstract; keep the one we have.
		doc["abstract"] = oldAbstract
		source := old.Str("abstract_source")
		if source == "" || source == "OpenAlex" {
			source = "OpenAlex_old"
		}
		doc["abstract_source"] = source
		if date := old.Str("abstract_date"); date != "" {
			doc["abstract_date"] = date
		}
		if title, ok := doc["title"].(string); ok {
			doc["title_abstract"] = title + "\n" + oldAbstract
		} else {
			doc["title_abstract"] = oldAbstract
		}
		stats.Preserved++
		return
	}

	if newAbstract != oldAbstract {
		doc["abstract_date"] = today
	} else if date := old.Str("abstract_date"); date != "" {
		doc["abstract_date"] = date
	}
}
