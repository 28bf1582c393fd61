package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nacsos/meta-cache/internal/domain"
)

// refColumns is the identifier column list in schema order.
const refColumns = "openalex_id, doi, pubmed_id, s2_id, scopus_id, wos_id, dimensions_id, nacsos_id"

// coalescedRefColumns reads the identifier columns back as empty strings.
const coalescedRefColumns = `COALESCE(openalex_id, ''), COALESCE(doi, ''), COALESCE(pubmed_id, ''),
	COALESCE(s2_id, ''), COALESCE(scopus_id, ''), COALESCE(wos_id, ''),
	COALESCE(dimensions_id, ''), COALESCE(nacsos_id, '')`

// anyIDMatch joins two row aliases on any shared identifier. NULL columns
// never match by construction.
func anyIDMatch(left, right string) string {
	cond := ""
	for i, field := range domain.IDFields {
		if i > 0 {
			cond += " OR "
		}
		cond += fmt.Sprintf("%s.%s = %s.%s", left, field, right, field)
	}
	return "(" + cond + ")"
}

func scanRef(ref *domain.Reference) []any {
	return []any{
		&ref.OpenAlexID, &ref.DOI, &ref.PubmedID, &ref.S2ID,
		&ref.ScopusID, &ref.WosID, &ref.DimensionsID, &ref.NacsosID,
	}
}

// QueueRequests enqueues the references that are not already queued.
// Identifiers are canonicalised first; a reference matching an existing
// queue row (or an earlier reference of the same batch) on any identifier is
// skipped. sources == nil leaves the source list unassigned so
// UpdateDefaultSources can stamp the default later. Returns the number of
// rows inserted.
func (s *Store) QueueRequests(ctx context.Context, refs []domain.Reference, sources domain.SourceList, onConflict domain.OnConflict) (int, error) {
	usable := make([]domain.Reference, 0, len(refs))
	for i := range refs {
		ref := refs[i]
		ref.Canonicalize()
		if !ref.IsEmpty() {
			usable = append(usable, ref)
		}
	}
	if len(usable) == 0 {
		return 0, nil
	}

	existing, err := s.queuedMatching(ctx, usable)
	if err != nil {
		return 0, err
	}

	var sourcesJSON any
	if sources != nil {
		data, err := json.Marshal(sources)
		if err != nil {
			return 0, fmt.Errorf("marshal source list: %w", err)
		}
		sourcesJSON = data
	}

	batch := &pgx.Batch{}
	inserted := 0
	for i := range usable {
		ref := &usable[i]
		known := false
		for j := range existing {
			if ref.Matches(&existing[j]) {
				known = true
				break
			}
		}
		if known {
			continue
		}
		existing = append(existing, *ref)

		batch.Queue(
			`INSERT INTO queue (`+refColumns+`, sources, on_conflict)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			nullable(ref.OpenAlexID), nullable(ref.DOI), nullable(ref.PubmedID), nullable(ref.S2ID),
			nullable(ref.ScopusID), nullable(ref.WosID), nullable(ref.DimensionsID), nullable(ref.NacsosID),
			sourcesJSON, int(onConflict),
		)
		inserted++
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert queue rows: %w", err)
	}
	return inserted, nil
}

// queuedMatching returns the references of queue rows sharing any identifier
// with the given batch.
func (s *Store) queuedMatching(ctx context.Context, refs []domain.Reference) ([]domain.Reference, error) {
	values := make(map[string][]string, len(domain.IDFields))
	for i := range refs {
		for _, field := range domain.IDFields {
			if v := refs[i].ID(field); v != "" {
				values[field] = append(values[field], v)
			}
		}
	}

	query := "SELECT " + coalescedRefColumns + " FROM queue WHERE "
	args := make([]any, 0, len(domain.IDFields))
	for i, field := range domain.IDFields {
		if i > 0 {
			query += " OR "
		}
		args = append(args, values[field])
		query += fmt.Sprintf("%s = ANY($%d)", field, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queued references: %w", err)
	}
	defer rows.Close()

	var out []domain.Reference
	for rows.Next() {
		var ref domain.Reference
		if err := rows.Scan(scanRef(&ref)...); err != nil {
			return nil, fmt.Errorf("scan queued reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// UpdateDefaultSources stamps the default source order onto queue rows that
// were enqueued without one. Returns the number of rows updated.
func (s *Store) UpdateDefaultSources(ctx context.Context) (int64, error) {
	data, err := json.Marshal(domain.DefaultSources())
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE queue SET sources = $1 WHERE sources IS NULL`, data)
	if err != nil {
		return 0, fmt.Errorf("update default sources: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueuedForSource returns up to limit queue rows whose next source is the
// given one, each augmented with the request-table aggregates the on-conflict
// policy needs. The aggregates join on any shared identifier.
func (s *Store) QueuedForSource(ctx context.Context, source domain.SourceTag, limit int) ([]domain.QueueCandidate, error) {
	query := `
		SELECT q.queue_id,
		       COALESCE(q.openalex_id, ''), COALESCE(q.doi, ''), COALESCE(q.pubmed_id, ''),
		       COALESCE(q.s2_id, ''), COALESCE(q.scopus_id, ''), COALESCE(q.wos_id, ''),
		       COALESCE(q.dimensions_id, ''), COALESCE(q.nacsos_id, ''),
		       q.sources, q.on_conflict, q.time_created,
		       agg.num_has_request, agg.num_has_abstract, agg.num_has_title, agg.num_has_raw,
		       agg.num_has_source_request, agg.num_has_source_abstract,
		       agg.num_has_source_title, agg.num_has_source_raw
		FROM queue q
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS num_has_request,
			       COUNT(*) FILTER (WHERE r.abstract IS NOT NULL) AS num_has_abstract,
			       COUNT(*) FILTER (WHERE r.title IS NOT NULL) AS num_has_title,
			       COUNT(*) FILTER (WHERE r.raw IS NOT NULL) AS num_has_raw,
			       COUNT(*) FILTER (WHERE r.wrapper = $1) AS num_has_source_request,
			       COUNT(*) FILTER (WHERE r.wrapper = $1 AND r.abstract IS NOT NULL) AS num_has_source_abstract,
			       COUNT(*) FILTER (WHERE r.wrapper = $1 AND r.title IS NOT NULL) AS num_has_source_title,
			       COUNT(*) FILTER (WHERE r.wrapper = $1 AND r.raw IS NOT NULL) AS num_has_source_raw
			FROM request r
			WHERE ` + anyIDMatch("r", "q") + `
		) agg ON TRUE
		WHERE q.sources->0->>0 = $1
		ORDER BY q.queue_id
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("query queue for %s: %w", source, err)
	}
	defer rows.Close()

	var out []domain.QueueCandidate
	for rows.Next() {
		var c domain.QueueCandidate
		var sourcesData []byte
		dest := []any{&c.QueueID}
		dest = append(dest, scanRef(&c.Reference)...)
		dest = append(dest,
			&sourcesData, &c.OnConflict, &c.TimeCreated,
			&c.NumHasRequest, &c.NumHasAbstract, &c.NumHasTitle, &c.NumHasRaw,
			&c.NumHasSourceRequest, &c.NumHasSourceAbstract, &c.NumHasSourceTitle, &c.NumHasSourceRaw,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan queue candidate: %w", err)
		}
		if err := json.Unmarshal(sourcesData, &c.Sources); err != nil {
			return nil, fmt.Errorf("parse source list of queue row %d: %w", c.QueueID, err)
		}
		head, ok := c.Sources.Head()
		if !ok {
			continue
		}
		c.Source = head.Source
		c.Priority = head.Priority
		out = append(out, c)
	}
	return out, rows.Err()
}

// DropSourceFromQueued pops the given source off the source list of the
// given queue rows; rows whose list runs empty are deleted.
func (s *Store) DropSourceFromQueued(ctx context.Context, source domain.SourceTag, queueIDs []int64) error {
	return s.rewriteSources(ctx, queueIDs, func(list domain.SourceList) domain.SourceList {
		return list.DropSource(source)
	})
}

// DropUnforcedSourcesFromQueued strips every TRY step from the given queue
// rows, keeping only FORCE steps; rows left without steps are deleted. Called
// once an abstract has been found so remaining best-effort sources are not
// wasted on a solved work.
func (s *Store) DropUnforcedSourcesFromQueued(ctx context.Context, queueIDs []int64) error {
	return s.rewriteSources(ctx, queueIDs, domain.SourceList.KeepForced)
}

// DropFinishedFromQueue deletes the given queue rows outright.
func (s *Store) DropFinishedFromQueue(ctx context.Context, queueIDs []int64) error {
	if len(queueIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE queue_id = ANY($1)`, queueIDs); err != nil {
		return fmt.Errorf("delete queue rows: %w", err)
	}
	return nil
}

func (s *Store) rewriteSources(ctx context.Context, queueIDs []int64, rewrite func(domain.SourceList) domain.SourceList) error {
	if len(queueIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT queue_id, sources FROM queue WHERE queue_id = ANY($1) FOR UPDATE`, queueIDs)
	if err != nil {
		return fmt.Errorf("lock queue rows: %w", err)
	}

	updates := map[int64]domain.SourceList{}
	var deletes []int64
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scan queue row: %w", err)
		}
		var list domain.SourceList
		if data != nil {
			if err := json.Unmarshal(data, &list); err != nil {
				rows.Close()
				return fmt.Errorf("parse source list of queue row %d: %w", id, err)
			}
		}
		if next := rewrite(list); len(next) == 0 {
			deletes = append(deletes, id)
		} else {
			updates[id] = next
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for id, list := range updates {
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}
		batch.Queue(`UPDATE queue SET sources = $1 WHERE queue_id = $2`, data, id)
	}
	if len(deletes) > 0 {
		batch.Queue(`DELETE FROM queue WHERE queue_id = ANY($1)`, deletes)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("rewrite queue rows: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// FilterUnseenOpenAlexIDs returns the subset of ids with neither a queue row
// nor a successful request row. The gap detector uses this so re-runs do not
// re-enqueue works that are already in flight or already answered.
func (s *Store) FilterUnseenOpenAlexIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT t.id FROM unnest($1::text[]) AS t(id)
		WHERE NOT EXISTS (SELECT 1 FROM queue q WHERE q.openalex_id = t.id)
		  AND NOT EXISTS (SELECT 1 FROM request r WHERE r.openalex_id = t.id AND r.abstract IS NOT NULL)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("filter openalex ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
