package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nacsos/meta-cache/internal/domain"
)

// InsertRequests appends response records to the request log. Identifiers are
// canonicalised at this boundary; empty abstracts, titles and raw payloads
// are stored as NULL so the queue aggregates can count them.
func (s *Store) InsertRequests(ctx context.Context, requests []domain.Request) error {
	if len(requests) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range requests {
		req := &requests[i]
		req.Canonicalize()
		if req.RecordID == uuid.Nil {
			req.RecordID = uuid.New()
		}
		var raw any
		if len(req.Raw) > 0 {
			raw = []byte(req.Raw)
		}
		batch.Queue(
			`INSERT INTO request (record_id, wrapper, api_key_id, `+refColumns+`,
			                      queue_id, title, abstract, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			req.RecordID, string(req.Wrapper), req.APIKeyID,
			nullable(req.OpenAlexID), nullable(req.DOI), nullable(req.PubmedID), nullable(req.S2ID),
			nullable(req.ScopusID), nullable(req.WosID), nullable(req.DimensionsID), nullable(req.NacsosID),
			req.QueueID, nullable(req.Title), nullable(req.Abstract), raw,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert request rows: %w", err)
	}
	return nil
}

const completeRecordsSQL = `
	SELECT DISTINCT ON (openalex_id)
	       record_id, wrapper, api_key_id, ` + coalescedRefColumns + `,
	       queue_id, COALESCE(title, ''), COALESCE(abstract, ''), raw, solarized, time_created
	FROM request
	WHERE openalex_id IS NOT NULL
	  AND title IS NOT NULL
	  AND abstract IS NOT NULL
	  AND NOT solarized
	ORDER BY openalex_id, time_created DESC`

// ReadCompleteRecords streams request rows that carry both a title and an
// abstract, know their OpenAlex ID and have not been transferred to Solr yet.
// One row per work: for works answered by several sources the newest response
// wins.
func (s *Store) ReadCompleteRecords(ctx context.Context, fn func(req *domain.Request) error) error {
	rows, err := s.pool.Query(ctx, completeRecordsSQL)
	if err != nil {
		return fmt.Errorf("query complete records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var req domain.Request
		var wrapper string
		dest := []any{&req.RecordID, &wrapper, &req.APIKeyID}
		dest = append(dest, scanRef(&req.Reference)...)
		dest = append(dest, &req.QueueID, &req.Title, &req.Abstract, &req.Raw, &req.Solarized, &req.TimeCreated)
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan complete record: %w", err)
		}
		req.Wrapper = domain.SourceTag(wrapper)
		if err := fn(&req); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MarkSolarized flips the transfer flag for every request row of the given
// works. The flag only ever goes false -> true. Returns the number of rows
// touched.
func (s *Store) MarkSolarized(ctx context.Context, openalexIDs []string) (int64, error) {
	if len(openalexIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE request SET solarized = TRUE WHERE openalex_id = ANY($1) AND NOT solarized`,
		openalexIDs)
	if err != nil {
		return 0, fmt.Errorf("mark solarized: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LookupRequests returns the cached response records sharing any identifier
// with the given references, newest first. This is the read path of the API:
// a hit here saves a provider call.
func (s *Store) LookupRequests(ctx context.Context, refs []domain.Reference, limit int) ([]domain.Request, error) {
	clean := make([]domain.Reference, 0, len(refs))
	for i := range refs {
		ref := refs[i]
		ref.Canonicalize()
		if !ref.IsEmpty() {
			clean = append(clean, ref)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	values := make(map[string][]string, len(domain.IDFields))
	for i := range clean {
		for _, field := range domain.IDFields {
			if v := clean[i].ID(field); v != "" {
				values[field] = append(values[field], v)
			}
		}
	}

	query := `SELECT record_id, wrapper, api_key_id, ` + coalescedRefColumns + `,
		queue_id, COALESCE(title, ''), COALESCE(abstract, ''), raw, solarized, time_created
		FROM request WHERE `
	args := make([]any, 0, len(domain.IDFields)+1)
	for i, field := range domain.IDFields {
		if i > 0 {
			query += " OR "
		}
		args = append(args, values[field])
		query += fmt.Sprintf("%s = ANY($%d)", field, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY time_created DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup requests: %w", err)
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		var req domain.Request
		var wrapper string
		dest := []any{&req.RecordID, &wrapper, &req.APIKeyID}
		dest = append(dest, scanRef(&req.Reference)...)
		dest = append(dest, &req.QueueID, &req.Title, &req.Abstract, &req.Raw, &req.Solarized, &req.TimeCreated)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		req.Wrapper = domain.SourceTag(wrapper)
		out = append(out, req)
	}
	return out, rows.Err()
}

// KnownReferences returns the identifier sets of request rows sharing any
// identifier with the batch. New responses complete their identifiers from
// these, healing cross-source linkage over time.
func (s *Store) KnownReferences(ctx context.Context, refs []domain.Reference) ([]domain.Reference, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	values := make(map[string][]string, len(domain.IDFields))
	for i := range refs {
		for _, field := range domain.IDFields {
			if v := refs[i].ID(field); v != "" {
				values[field] = append(values[field], v)
			}
		}
	}

	query := "SELECT DISTINCT " + coalescedRefColumns + " FROM request WHERE "
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
		return nil, fmt.Errorf("query known references: %w", err)
	}
	defer rows.Close()

	var out []domain.Reference
	for rows.Next() {
		var ref domain.Reference
		if err := rows.Scan(scanRef(&ref)...); err != nil {
			return nil, fmt.Errorf("scan known reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
