package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/solr"
)

type fakeGapSolr struct {
	docs  []solr.Doc
	query solr.Query
}

func (f *fakeGapSolr) SelectCursor(ctx context.Context, q solr.Query, fn func(doc solr.Doc) error) error {
	f.query = q
	for _, doc := range f.docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

type fakeGapStore struct {
	seen    map[string]bool
	queued  []domain.Reference
	batches int
}

func (f *fakeGapStore) FilterUnseenOpenAlexIDs(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if !f.seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeGapStore) QueueRequests(ctx context.Context, refs []domain.Reference, sources domain.SourceList, onConflict domain.OnConflict) (int, error) {
	f.batches++
	f.queued = append(f.queued, refs...)
	return len(refs), nil
}

func TestGapSeedSkipsKnownWorks(t *testing.T) {
	sl := &fakeGapSolr{docs: []solr.Doc{
		{"id": "https://openalex.org/W1", "doi": "10.1/a"},
		{"id": "https://openalex.org/W2"},
		{"id": "https://openalex.org/W3", "doi": "10.1/c"},
	}}
	st := &fakeGapStore{seen: map[string]bool{"W2": true}}

	n, err := NewGapDetector(sl, st, 0, zap.NewNop().Sugar()).Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, st.queued, 2)
	assert.Equal(t, "https://openalex.org/W1", st.queued[0].OpenAlexID)
	assert.Equal(t, "10.1/a", st.queued[0].DOI)
	assert.Equal(t, "https://openalex.org/W3", st.queued[1].OpenAlexID)
}

func TestGapSeedRestrictsScan(t *testing.T) {
	sl := &fakeGapSolr{}
	st := &fakeGapStore{}

	d := NewGapDetector(sl, st, 0, zap.NewNop().Sugar()).
		Restrict("created_date:[2024-01-01T00:00:00Z TO *]")
	_, err := d.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "-abstract:*", sl.query.Q)
	assert.Equal(t, []string{"created_date:[2024-01-01T00:00:00Z TO *]"}, sl.query.Filters)
}

func TestGapDetectorClampsLimitToHardCap(t *testing.T) {
	d := NewGapDetector(&fakeGapSolr{}, &fakeGapStore{}, 500000, zap.NewNop().Sugar())
	assert.Equal(t, gapScanHardCap, d.limit)

	d = NewGapDetector(&fakeGapSolr{}, &fakeGapStore{}, 0, zap.NewNop().Sugar())
	assert.Equal(t, gapScanHardCap, d.limit)
}

func TestGapSeedHonoursCap(t *testing.T) {
	sl := &fakeGapSolr{}
	for i := 0; i < 50; i++ {
		sl.docs = append(sl.docs, solr.Doc{"id": fmt.Sprintf("https://openalex.org/W%d", i)})
	}
	st := &fakeGapStore{}

	n, err := NewGapDetector(sl, st, 10, zap.NewNop().Sugar()).Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Len(t, st.queued, 10)
}
