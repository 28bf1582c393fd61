package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/solr"
)

type fakeTransferStore struct {
	records   []domain.Request
	solarized [][]string
}

func (f *fakeTransferStore) ReadCompleteRecords(ctx context.Context, fn func(req *domain.Request) error) error {
	for i := range f.records {
		if err := fn(&f.records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransferStore) MarkSolarized(ctx context.Context, openalexIDs []string) (int64, error) {
	f.solarized = append(f.solarized, openalexIDs)
	return int64(len(openalexIDs)), nil
}

type fakeTransferSolr struct {
	docs    map[string]solr.Doc // id -> existing doc
	updates []solr.FieldUpdate
}

func (f *fakeTransferSolr) GetByIDs(ctx context.Context, ids []string, fields string) ([]solr.Doc, error) {
	var out []solr.Doc
	for _, id := range ids {
		if doc, ok := f.docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeTransferSolr) UpdatePartial(ctx context.Context, updates []solr.FieldUpdate) error {
	f.updates = append(f.updates, updates...)
	return nil
}

func completeRecord(openalexID, title, abstract string, wrapper domain.SourceTag) domain.Request {
	req := domain.Request{Wrapper: wrapper, Title: title, Abstract: abstract}
	req.OpenAlexID = openalexID
	return req
}

func TestRunWritesProvenanceFields(t *testing.T) {
	st := &fakeTransferStore{records: []domain.Request{
		completeRecord("W1", "A title", "A fetched abstract.", domain.SourceScopus),
	}}
	sl := &fakeTransferSolr{docs: map[string]solr.Doc{"W1": {"id": "W1"}}}

	stats, err := New(st, sl, Options{}, zap.NewNop().Sugar()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 1, Written: 1}, stats)

	require.Len(t, sl.updates, 1)
	up := sl.updates[0]
	assert.Equal(t, "W1", up.ID)
	assert.Equal(t, "A fetched abstract.", up.Fields["abstract"])
	assert.Equal(t, "SCOPUS", up.Fields["abstract_source"])
	assert.NotEmpty(t, up.Fields["abstract_date"])
	assert.Equal(t, "A title\nA fetched abstract.", up.Fields["title_abstract"])

	require.Len(t, st.solarized, 1)
	assert.Equal(t, []string{"W1"}, st.solarized[0])
}

func TestRunSkipsDocsThatAlreadyHaveAbstracts(t *testing.T) {
	st := &fakeTransferStore{records: []domain.Request{
		completeRecord("W1", "", "New abstract.", domain.SourcePubmed),
	}}
	sl := &fakeTransferSolr{docs: map[string]solr.Doc{
		"W1": {"id": "W1", "abstract": "already there"},
	}}

	stats, err := New(st, sl, Options{}, zap.NewNop().Sugar()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 1, Skipped: 1}, stats)
	assert.Empty(t, sl.updates)
	// Skipped works still get marked so they never come around again.
	require.Len(t, st.solarized, 1)
	assert.Equal(t, []string{"W1"}, st.solarized[0])
}

func TestRunForceOverwrites(t *testing.T) {
	st := &fakeTransferStore{records: []domain.Request{
		completeRecord("W1", "", "New abstract.", domain.SourcePubmed),
	}}
	sl := &fakeTransferSolr{docs: map[string]solr.Doc{
		"W1": {"id": "W1", "abstract": "already there"},
	}}

	stats, err := New(st, sl, Options{Force: true}, zap.NewNop().Sugar()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 1, Written: 1}, stats)
	require.Len(t, sl.updates, 1)
	// No title in the record: the existing title fields stay untouched.
	assert.NotContains(t, sl.updates[0].Fields, "title")
	assert.NotContains(t, sl.updates[0].Fields, "title_abstract")
}

func TestRunCountsOrphans(t *testing.T) {
	st := &fakeTransferStore{records: []domain.Request{
		completeRecord("W404", "", "Abstract for a vanished work.", domain.SourceWos),
	}}
	sl := &fakeTransferSolr{docs: map[string]solr.Doc{}}

	stats, err := New(st, sl, Options{}, zap.NewNop().Sugar()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 1, Orphans: 1}, stats)
	assert.Empty(t, sl.updates)
}

func TestRunBatches(t *testing.T) {
	st := &fakeTransferStore{}
	sl := &fakeTransferSolr{docs: map[string]solr.Doc{}}
	for i := 0; i < 5; i++ {
		id := string(rune('A' + i))
		st.records = append(st.records, completeRecord("W"+id, "", "Some abstract text.", domain.SourceScopus))
		sl.docs["W"+id] = solr.Doc{"id": "W" + id}
	}

	stats, err := New(st, sl, Options{BatchSize: 2}, zap.NewNop().Sugar()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Written)
	assert.Len(t, st.solarized, 3) // 2 + 2 + 1
}
