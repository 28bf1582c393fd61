package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/internal/store"
	"github.com/nacsos/meta-cache/pkg/sources"
)

// fakeStore keeps queue state in memory and records every mutation.
type fakeStore struct {
	candidates map[domain.SourceTag][]domain.QueueCandidate
	known      []domain.Reference
	key        *domain.ApiKey
	keyErr     error

	pullOrder       []domain.SourceTag
	inserted        []domain.Request
	droppedSource   map[domain.SourceTag][]int64
	droppedForced   [][]int64
	droppedFinished []int64
	feedbackSaved   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candidates:    map[domain.SourceTag][]domain.QueueCandidate{},
		key:           &domain.ApiKey{APIKeyID: uuid.New(), Key: "k"},
		droppedSource: map[domain.SourceTag][]int64{},
	}
}

func (f *fakeStore) UpdateDefaultSources(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) QueuedForSource(ctx context.Context, source domain.SourceTag, limit int) ([]domain.QueueCandidate, error) {
	f.pullOrder = append(f.pullOrder, source)
	out := f.candidates[source]
	f.candidates[source] = nil
	if len(out) > limit {
		f.candidates[source] = out[limit:]
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DropSourceFromQueued(ctx context.Context, source domain.SourceTag, queueIDs []int64) error {
	f.droppedSource[source] = append(f.droppedSource[source], queueIDs...)
	return nil
}

func (f *fakeStore) DropUnforcedSourcesFromQueued(ctx context.Context, queueIDs []int64) error {
	if len(queueIDs) > 0 {
		f.droppedForced = append(f.droppedForced, queueIDs)
	}
	return nil
}

func (f *fakeStore) DropFinishedFromQueue(ctx context.Context, queueIDs []int64) error {
	f.droppedFinished = append(f.droppedFinished, queueIDs...)
	return nil
}

func (f *fakeStore) InsertRequests(ctx context.Context, requests []domain.Request) error {
	f.inserted = append(f.inserted, requests...)
	return nil
}

func (f *fakeStore) KnownReferences(ctx context.Context, refs []domain.Reference) ([]domain.Reference, error) {
	return f.known, nil
}

func (f *fakeStore) AcquireKey(ctx context.Context, source domain.SourceTag, authKeyID *uuid.UUID) (*domain.ApiKey, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	return f.key, nil
}

func (f *fakeStore) UpdateKeyFeedback(ctx context.Context, key *domain.ApiKey) error {
	f.feedbackSaved++
	return nil
}

// fakeAdapter answers from a canned doi -> record map.
type fakeAdapter struct {
	tag      domain.SourceTag
	pageMax  int
	byDOI    map[string]sources.Record
	fetchErr error
	pages    [][]domain.Reference
}

func (f *fakeAdapter) Tag() domain.SourceTag    { return f.tag }
func (f *fakeAdapter) CanonicalIDField() string { return "doi" }
func (f *fakeAdapter) PageSizeMax() int         { return f.pageMax }

func (f *fakeAdapter) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]sources.Record, error) {
	f.pages = append(f.pages, refs)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []sources.Record
	for i := range refs {
		if rec, ok := f.byDOI[refs[i].DOI]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func candidate(id int64, doi string, prio domain.Priority, oc domain.OnConflict) domain.QueueCandidate {
	c := domain.QueueCandidate{
		Source:   domain.SourceScopus,
		Priority: prio,
	}
	c.QueueID = id
	c.DOI = doi
	c.OnConflict = oc
	c.Sources = domain.SourceList{{Source: domain.SourceScopus, Priority: prio}}
	return c
}

func record(doi, abstract string) sources.Record {
	rec := sources.Record{Abstract: abstract, Title: "t", Raw: []byte(`{}`)}
	rec.DOI = doi
	rec.ScopusID = "2-s2.0-" + doi
	return rec
}

func testDrainer(st Store, adapter sources.Adapter) *Drainer {
	return NewDrainer(st,
		[]sources.Adapter{adapter},
		Config{MaxRuntime: time.Minute, BatchSize: 25, MinAbstractLen: 25},
		zap.NewNop().Sugar())
}

func TestDrainFoundHitAndMissing(t *testing.T) {
	st := newFakeStore()
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{
		candidate(1, "10.1/found", domain.PriorityTry, domain.ConflictDoNothing),
		candidate(2, "10.1/short", domain.PriorityTry, domain.ConflictDoNothing),
		candidate(3, "10.1/missing", domain.PriorityTry, domain.ConflictDoNothing),
	}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25, byDOI: map[string]sources.Record{
		"10.1/found": record("10.1/found", "This abstract is clearly long enough to count."),
		"10.1/short": record("10.1/short", "n/a"),
	}}

	stats, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)

	s := stats[domain.SourceScopus]
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Fetched)
	assert.Equal(t, 1, s.Found)
	assert.Equal(t, 1, s.Hit)
	assert.Equal(t, 1, s.Missing)

	require.Len(t, st.inserted, 2)
	// Short placeholder abstracts are clamped to empty before persisting.
	for _, req := range st.inserted {
		if req.DOI == "10.1/short" {
			assert.Empty(t, req.Abstract)
		} else {
			assert.True(t, req.Successful())
		}
		assert.Equal(t, domain.SourceScopus, req.Wrapper)
		require.NotNil(t, req.QueueID)
	}

	// Every processed row loses this source; the solved one also loses its
	// remaining TRY steps.
	assert.ElementsMatch(t, []int64{1, 2, 3}, st.droppedSource[domain.SourceScopus])
	require.Len(t, st.droppedForced, 1)
	assert.Equal(t, []int64{1}, st.droppedForced[0])
	assert.Equal(t, 1, st.feedbackSaved)
}

func TestDrainCompletesIdentifiersFromQueueRow(t *testing.T) {
	st := newFakeStore()
	c := candidate(7, "10.1/x", domain.PriorityTry, domain.ConflictDoNothing)
	c.OpenAlexID = "W42"
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{c}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25, byDOI: map[string]sources.Record{
		"10.1/x": record("10.1/x", "An abstract that is long enough to keep."),
	}}

	_, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, st.inserted, 1)
	// The response only carried a DOI; the OpenAlex ID is inherited from the
	// queue row that asked.
	assert.Equal(t, "W42", st.inserted[0].OpenAlexID)
}

func TestDrainSkipsPerOnConflictPolicy(t *testing.T) {
	st := newFakeStore()
	skip := candidate(1, "10.1/seen", domain.PriorityTry, domain.ConflictDoNothing)
	skip.NumHasSourceRequest = 1 // asked before
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{skip}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	stats, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.SourceScopus].Skipped)
	assert.Empty(t, adapter.pages, "nothing should reach the provider")
	assert.Equal(t, []int64{1}, st.droppedSource[domain.SourceScopus])
}

func TestDrainRetiresSatisfiedRetryAbstractRows(t *testing.T) {
	st := newFakeStore()
	done := candidate(1, "10.1/solved", domain.PriorityTry, domain.ConflictRetryAbstract)
	done.NumHasAbstract = 1 // someone already answered with an abstract
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{done}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	stats, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.SourceScopus].Skipped)
	assert.Empty(t, adapter.pages)
	// The row leaves the queue entirely instead of moving to its next source.
	assert.Equal(t, []int64{1}, st.droppedFinished)
	assert.Empty(t, st.droppedSource[domain.SourceScopus])
}

func TestDrainKeepsForcedStepsOnSatisfiedRows(t *testing.T) {
	st := newFakeStore()
	done := candidate(1, "10.1/solved", domain.PriorityTry, domain.ConflictRetryAbstract)
	done.NumHasAbstract = 1
	done.Sources = domain.SourceList{
		{Source: domain.SourceScopus, Priority: domain.PriorityTry},
		{Source: domain.SourceWos, Priority: domain.PriorityForce},
	}
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{done}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	_, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	// A forced fetch runs regardless of evidence, so the row must survive
	// with only the current step popped.
	assert.Empty(t, st.droppedFinished)
	assert.Equal(t, []int64{1}, st.droppedSource[domain.SourceScopus])
	assert.Empty(t, adapter.pages)
}

func TestDrainForcePriorityIgnoresEvidence(t *testing.T) {
	st := newFakeStore()
	forced := candidate(1, "10.1/x", domain.PriorityForce, domain.ConflictDoNothing)
	forced.NumHasSourceRequest = 3
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{forced}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	stats, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.SourceScopus].Fetched)
	require.Len(t, adapter.pages, 1)
}

func TestDrainPermanentFailureDropsSource(t *testing.T) {
	st := newFakeStore()
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{
		candidate(1, "10.1/a", domain.PriorityTry, domain.ConflictDoNothing),
		candidate(2, "10.1/b", domain.PriorityTry, domain.ConflictDoNothing),
	}
	adapter := &fakeAdapter{
		tag: domain.SourceScopus, pageMax: 25,
		fetchErr: fmt.Errorf("%w: key revoked", sources.ErrPermanentFailure),
	}

	stats, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.SourceScopus].Failures)
	assert.ElementsMatch(t, []int64{1, 2}, st.droppedSource[domain.SourceScopus])
	assert.Empty(t, st.inserted)
}

func TestDrainTransientFailureLeavesRowsQueued(t *testing.T) {
	st := newFakeStore()
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{
		candidate(1, "10.1/a", domain.PriorityTry, domain.ConflictDoNothing),
	}
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25, fetchErr: errors.New("timeout")}

	_, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err, "a transient source failure must not abort the run")
	assert.Empty(t, st.droppedSource[domain.SourceScopus])
	assert.Empty(t, st.inserted)
}

func TestDrainNoCredentialsSkipsSource(t *testing.T) {
	st := newFakeStore()
	st.candidates[domain.SourceScopus] = []domain.QueueCandidate{
		candidate(1, "10.1/a", domain.PriorityTry, domain.ConflictDoNothing),
	}
	st.keyErr = fmt.Errorf("%w: SCOPUS", store.ErrNoKeys)
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	_, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, adapter.pages)
	assert.Empty(t, st.droppedSource[domain.SourceScopus])
}

func TestDrainFollowsConfiguredSourceOrder(t *testing.T) {
	st := newFakeStore()
	wos := &fakeAdapter{tag: domain.SourceWos, pageMax: 25}
	scopus := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	d := NewDrainer(st, []sources.Adapter{wos, scopus},
		Config{MaxRuntime: time.Minute, BatchSize: 25}, zap.NewNop().Sugar())
	_, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.SourceTag{domain.SourceWos, domain.SourceScopus}, st.pullOrder)
}

func TestDrainChunksByAdapterPageSize(t *testing.T) {
	st := newFakeStore()
	var cands []domain.QueueCandidate
	for i := int64(1); i <= 5; i++ {
		cands = append(cands, candidate(i, fmt.Sprintf("10.1/%d", i), domain.PriorityTry, domain.ConflictDoNothing))
	}
	st.candidates[domain.SourceScopus] = cands
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 2}

	_, err := testDrainer(st, adapter).Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, adapter.pages, 3)
	assert.Len(t, adapter.pages[0], 2)
	assert.Len(t, adapter.pages[2], 1)
}

func TestDrainRespectsRuntimeBudget(t *testing.T) {
	st := newFakeStore()
	var cands []domain.QueueCandidate
	for i := int64(1); i <= 100; i++ {
		cands = append(cands, candidate(i, fmt.Sprintf("10.1/%d", i), domain.PriorityTry, domain.ConflictDoNothing))
	}
	st.candidates[domain.SourceScopus] = cands
	adapter := &fakeAdapter{tag: domain.SourceScopus, pageMax: 25}

	d := NewDrainer(st,
		[]sources.Adapter{adapter},
		Config{MaxRuntime: -time.Second, BatchSize: 25}, // already over budget
		zap.NewNop().Sugar())
	_, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, adapter.pages, "an exhausted budget stops before the first batch")
}
