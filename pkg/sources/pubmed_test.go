package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacsos/meta-cache/internal/domain"
)

const pubmedArticleXML = `<?xml version="1.0" ?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">31523095</PMID>
      <Article>
        <ArticleTitle>A study of things</ArticleTitle>
        <Abstract>
          <AbstractText Label="BACKGROUND">Some background.</AbstractText>
          <AbstractText Label="RESULTS">Some results.</AbstractText>
        </Abstract>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">31523095</ArticleId>
        <ArticleId IdType="doi">10.1038/s41586-019-1517-4</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
</PubmedArticleSet>`

func TestPubmedFetch(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/esearch":
			assert.Equal(t, `31523095[PMID]`, r.URL.Query().Get("term"))
			assert.Equal(t, "y", r.URL.Query().Get("usehistory"))
			assert.Equal(t, "nih-key", r.URL.Query().Get("api_key"))
			fmt.Fprint(w, `{"esearchresult": {"count": "1", "webenv": "WE1", "querykey": "1"}}`)
		case "/efetch":
			assert.Equal(t, "WE1", r.URL.Query().Get("WebEnv"))
			assert.Equal(t, "1", r.URL.Query().Get("query_key"))
			fmt.Fprint(w, pubmedArticleXML)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter := &Pubmed{http: fastClient(t), esearchBase: srv.URL + "/esearch", efetchBase: srv.URL + "/efetch"}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{PubmedID: "31523095"}}, &domain.ApiKey{Key: "nih-key"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "31523095", rec.PubmedID)
	assert.Equal(t, "10.1038/s41586-019-1517-4", rec.DOI)
	assert.Equal(t, "A study of things", rec.Title)
	assert.Equal(t, "BACKGROUND: Some background.\nRESULTS: Some results.", rec.Abstract)
	assert.NotEmpty(t, rec.Raw)
	assert.Equal(t, []string{"/esearch", "/efetch"}, paths)
}

func TestPubmedFetchNoMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult": {"count": "0", "webenv": "", "querykey": ""}}`)
	}))
	defer srv.Close()

	adapter := &Pubmed{http: fastClient(t), esearchBase: srv.URL, efetchBase: srv.URL}
	records, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/none"}}, &domain.ApiKey{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPubmedFetchInvalidQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	adapter := &Pubmed{http: fastClient(t), esearchBase: srv.URL, efetchBase: srv.URL}
	_, err := adapter.Fetch(context.Background(), []domain.Reference{{DOI: "10.1/x"}}, &domain.ApiKey{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
