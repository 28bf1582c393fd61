package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/httpclient"
)

func fastClient(t *testing.T) *httpclient.Client {
	t.Helper()
	hc, err := httpclient.New(httpclient.Options{MaxRPS: 1000, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return hc
}

func TestScopusFetchPagesWithCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-ELS-APIKey"))
		assert.Equal(t, "COMPLETE", r.URL.Query().Get("view"))
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		switch r.URL.Query().Get("cursor") {
		case "*":
			fmt.Fprint(w, `{"search-results": {
				"opensearch:totalResults": "2",
				"cursor": {"@current": "*", "@next": "c2"},
				"entry": [{
					"dc:title": "First paper",
					"dc:description": "An abstract about things.",
					"prism:doi": "10.1016/j.cell.2018.10.001",
					"eid": "2-s2.0-85055566332",
					"pubmed-id": "31523095"
				}]
			}}`)
		case "c2":
			fmt.Fprint(w, `{"search-results": {
				"opensearch:totalResults": "2",
				"cursor": {"@current": "c2", "@next": "c2"},
				"entry": [{
					"dc:title": "Second paper",
					"dc:description": "Another abstract.",
					"prism:doi": "https://doi.org/10.1/b",
					"eid": "2-s2.0-99"
				}]
			}}`)
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	adapter := &Scopus{http: fastClient(t), base: srv.URL}
	key := &domain.ApiKey{Key: "secret"}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1016/j.cell.2018.10.001"}}, key)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2-s2.0-85055566332", records[0].ScopusID)
	assert.Equal(t, "31523095", records[0].PubmedID)
	assert.Equal(t, "An abstract about things.", records[0].Abstract)
	// DOI prefixes are stripped at the parse boundary.
	assert.Equal(t, "10.1/b", records[1].DOI)
	assert.Equal(t, "4999", key.APIFeedback[domain.RemainingFeedbackKey])
	assert.Equal(t, "5000", key.APIFeedback["requests_limit"])
}

func TestScopusFetchEmptyResultEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"search-results": {
			"opensearch:totalResults": "0",
			"entry": [{"error": "Result set was empty"}]
		}}`)
	}))
	defer srv.Close()

	adapter := &Scopus{http: fastClient(t), base: srv.URL}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/none"}}, &domain.ApiKey{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScopusFetchSkipsUnlinkableEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"search-results": {
			"opensearch:totalResults": "1",
			"entry": [{"dc:title": "No ids here", "dc:description": "text"}]
		}}`)
	}))
	defer srv.Close()

	adapter := &Scopus{http: fastClient(t), base: srv.URL}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/x"}}, &domain.ApiKey{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScopusClassifiesFailures(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: 400, want: ErrInvalidRequest},
		{status: 401, want: ErrPermanentFailure},
		{status: 403, want: ErrPermanentFailure},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			adapter := &Scopus{http: fastClient(t), base: srv.URL}
			_, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/x"}}, &domain.ApiKey{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestScopusQuotaExhaustionMarksKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter := &Scopus{http: fastClient(t), base: srv.URL}
	key := &domain.ApiKey{Key: "spent"}
	_, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/x"}}, key)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanentFailure)
	assert.Equal(t, "0", key.APIFeedback[domain.RemainingFeedbackKey])
}
