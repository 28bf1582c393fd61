package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacsos/meta-cache/internal/domain"
)

const wosRecord = `{
	"UID": "WOS:000456789100001",
	"static_data": {
		"summary": {
			"titles": {
				"title": [
					{"type": "source", "content": "SOME JOURNAL"},
					{"type": "item", "content": "A study of things"}
				]
			}
		},
		"fullrecord_metadata": {
			"abstracts": {
				"abstract": {
					"abstract_text": {"p": ["First paragraph.", "Second paragraph."]}
				}
			}
		}
	},
	"dynamic_data": {
		"cluster_related": {
			"identifiers": {
				"identifier": [
					{"type": "doi", "value": "10.1/a"},
					{"type": "pmid", "value": "MEDLINE:31523095"}
				]
			}
		}
	}
}`

func TestParseWOSRecord(t *testing.T) {
	rec, err := parseWOSRecord([]byte(wosRecord))
	require.NoError(t, err)
	assert.Equal(t, "WOS:000456789100001", rec.WosID)
	assert.Equal(t, "A study of things", rec.Title)
	assert.Equal(t, "First paragraph.\nSecond paragraph.", rec.Abstract)
	assert.Equal(t, "10.1/a", rec.DOI)
	assert.Equal(t, "31523095", rec.PubmedID)
}

func TestParseWOSRecordSingleObjectCollections(t *testing.T) {
	// WOS collapses single-element arrays into bare objects.
	raw := `{
		"UID": "WOS:1",
		"static_data": {
			"summary": {"titles": {"title": {"type": "item", "content": "Solo"}}},
			"fullrecord_metadata": {
				"abstracts": {"abstract": {"abstract_text": {"p": "Only paragraph."}}}
			}
		},
		"dynamic_data": {
			"cluster_related": {
				"identifiers": {"identifier": {"type": "doi", "value": "10.1/solo"}}
			}
		}
	}`
	rec, err := parseWOSRecord([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Solo", rec.Title)
	assert.Equal(t, "Only paragraph.", rec.Abstract)
	assert.Equal(t, "10.1/solo", rec.DOI)
}

func TestWOSFetchPages(t *testing.T) {
	var firstRecords []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wos-key", r.Header.Get("X-ApiKey"))
		assert.Equal(t, "WOS", r.URL.Query().Get("databaseId"))
		assert.Contains(t, r.URL.Query().Get("usrQuery"), `DO=("10.1/a")`)
		first := r.URL.Query().Get("firstRecord")
		firstRecords = append(firstRecords, first)
		n, _ := strconv.Atoi(first)
		if n == 1 {
			// 51 found: one full page, then a second fetch.
			fmt.Fprintf(w, `{"QueryResult": {"RecordsFound": 51}, "Data": {"Records": {"records": {"REC": [%s]}}}}`, wosRecord)
			return
		}
		fmt.Fprint(w, `{"QueryResult": {"RecordsFound": 51}, "Data": {"Records": {"records": {"REC": []}}}}`)
	}))
	defer srv.Close()

	adapter := &WOS{http: fastClient(t), base: srv.URL}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/a"}}, &domain.ApiKey{Key: "wos-key"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"1", "51"}, firstRecords)
}

func TestWOSClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	adapter := &WOS{http: fastClient(t), base: srv.URL}
	_, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/a"}}, &domain.ApiKey{})
	assert.ErrorIs(t, err, ErrPermanentFailure)
}
