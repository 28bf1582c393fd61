package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nacsos/meta-cache/internal/domain"
)

// ErrNoKeys means no active, non-exhausted credential exists for the source.
var ErrNoKeys = errors.New("no api keys available")

// AcquireKey hands out the least-recently-used active credential for a
// source, skipping keys whose provider feedback says the quota is spent.
// last_used is stamped in the same transaction, so cooperating workers
// rotate through the pool instead of piling onto one key. When authKeyID is
// given, only keys granted to that user (via the m2m table) qualify.
func (s *Store) AcquireKey(ctx context.Context, source domain.SourceTag, authKeyID *uuid.UUID) (*domain.ApiKey, error) {
	query := `
		SELECT k.api_key_id, k.owner, k.wrapper, k.key, COALESCE(k.proxy, ''),
		       k.active, k.last_used, COALESCE(k.api_feedback, '{}'::jsonb)
		FROM api_key k`
	args := []any{string(source)}
	if authKeyID != nil {
		query += `
		JOIN m2m_auth_api_key m ON m.api_key_id = k.api_key_id AND m.auth_key_id = $2`
		args = append(args, *authKeyID)
	}
	query += `
		WHERE k.wrapper = $1
		  AND k.active
		  AND COALESCE(k.api_feedback->>'requests_remaining', '') <> '0'
		ORDER BY k.last_used ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE OF k SKIP LOCKED`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var key domain.ApiKey
	var wrapper string
	err = tx.QueryRow(ctx, query, args...).Scan(
		&key.APIKeyID, &key.Owner, &wrapper, &key.Key, &key.Proxy,
		&key.Active, &key.LastUsed, &key.APIFeedback,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoKeys, source)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire key for %s: %w", source, err)
	}
	key.Wrapper = domain.SourceTag(wrapper)

	if _, err := tx.Exec(ctx,
		`UPDATE api_key SET last_used = now() WHERE api_key_id = $1`, key.APIKeyID); err != nil {
		return nil, fmt.Errorf("stamp key usage: %w", err)
	}
	return &key, tx.Commit(ctx)
}

// UpdateKeyFeedback persists the quota counters an adapter collected while
// spending the key.
func (s *Store) UpdateKeyFeedback(ctx context.Context, key *domain.ApiKey) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_key SET api_feedback = $1 WHERE api_key_id = $2`,
		key.APIFeedback, key.APIKeyID); err != nil {
		return fmt.Errorf("update key feedback: %w", err)
	}
	return nil
}

// GetAuthKey looks up a bearer token. Inactive tokens resolve to ErrNoRows
// upstream of the HTTP layer.
func (s *Store) GetAuthKey(ctx context.Context, authKeyID uuid.UUID) (*domain.AuthKey, error) {
	var key domain.AuthKey
	err := s.pool.QueryRow(ctx, `
		SELECT auth_key_id, COALESCE(note, ''), active, read, write
		FROM auth_key WHERE auth_key_id = $1`, authKeyID).
		Scan(&key.AuthKeyID, &key.Note, &key.Active, &key.Read, &key.Write)
	if err != nil {
		return nil, fmt.Errorf("get auth key: %w", err)
	}
	return &key, nil
}
