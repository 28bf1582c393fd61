package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/httpclient"
)

const (
	pubmedESearchURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	pubmedEFetchURL  = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"
)

// Pubmed resolves references through NCBI E-utilities: esearch parks the
// matching PMIDs on the history server, efetch pulls them back as XML.
// Batches stay small because the term query grows with every reference.
type Pubmed struct {
	http        *httpclient.Client
	esearchBase string
	efetchBase  string
}

func NewPubmed() (*Pubmed, error) {
	// 3 rps without an API key; NCBI grants 10 with one.
	hc, err := httpclient.New(httpclient.Options{
		MaxRPS:     3,
		MaxRetries: 4,
		Timeout:    60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Pubmed{http: hc, esearchBase: pubmedESearchURL, efetchBase: pubmedEFetchURL}, nil
}

func (p *Pubmed) Tag() domain.SourceTag    { return domain.SourcePubmed }
func (p *Pubmed) CanonicalIDField() string { return "pubmed_id" }
func (p *Pubmed) PageSizeMax() int         { return 10 }

// buildPubmedTerm builds the esearch term: `123[PMID] OR "10.1/x"[DOI]`.
func buildPubmedTerm(refs []domain.Reference) string {
	clauses := make([]string, 0, len(refs))
	for i := range refs {
		switch {
		case refs[i].PubmedID != "":
			clauses = append(clauses, refs[i].PubmedID+"[PMID]")
		case refs[i].DOI != "":
			clauses = append(clauses, fmt.Sprintf("%q[DOI]", refs[i].DOI))
		}
	}
	return strings.Join(clauses, " OR ")
}

// eSearch response (retmode=json).
type pubmedSearchResult struct {
	Result struct {
		Count    string `json:"count"`
		WebEnv   string `json:"webenv"`
		QueryKey string `json:"querykey"`
	} `json:"esearchresult"`
}

// eFetch response types.
type pubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	MedlineCitation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			ArticleTitle string `xml:"ArticleTitle"`
			Abstract     struct {
				AbstractTexts []pubmedAbstractText `xml:"AbstractText"`
			} `xml:"Abstract"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	PubmedData struct {
		ArticleIDs []pubmedArticleID `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

type pubmedAbstractText struct {
	Label string `xml:"Label,attr"`
	Text  string `xml:",chardata"`
}

type pubmedArticleID struct {
	IDType string `xml:"IdType,attr"`
	Value  string `xml:",chardata"`
}

func (p *Pubmed) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error) {
	term := buildPubmedTerm(refs)
	if term == "" {
		return nil, nil
	}
	if key.Proxy != "" {
		if err := p.http.SwitchProxy(key.Proxy); err != nil {
			return nil, err
		}
	}

	search, err := p.search(ctx, term, key.Key)
	if err != nil {
		return nil, err
	}
	count, _ := strconv.Atoi(search.Result.Count)
	if count == 0 {
		return nil, nil
	}

	var records []Record
	const retmax = 100
	for retstart := 0; retstart < count; retstart += retmax {
		params := url.Values{}
		params.Set("db", "pubmed")
		params.Set("WebEnv", search.Result.WebEnv)
		params.Set("query_key", search.Result.QueryKey)
		params.Set("retstart", strconv.Itoa(retstart))
		params.Set("retmax", strconv.Itoa(retmax))
		params.Set("retmode", "xml")
		if key.Key != "" {
			params.Set("api_key", key.Key)
		}

		resp, err := p.http.Get(ctx, p.efetchBase, params, nil)
		if err != nil {
			return records, classifyPubmed(err)
		}

		var set pubmedArticleSet
		if err := xml.Unmarshal(resp.Body, &set); err != nil {
			return records, fmt.Errorf("parse pubmed articles: %w", err)
		}
		for i := range set.Articles {
			rec := parsePubmedArticle(&set.Articles[i])
			if rec.Usable(p.CanonicalIDField()) {
				records = append(records, rec)
			}
		}
		if len(set.Articles) == 0 {
			break
		}
	}
	return records, nil
}

func (p *Pubmed) search(ctx context.Context, term, apiKey string) (*pubmedSearchResult, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", term)
	params.Set("usehistory", "y")
	params.Set("retmax", "0")
	params.Set("retmode", "json")
	if apiKey != "" {
		params.Set("api_key", apiKey)
	}

	resp, err := p.http.Get(ctx, p.esearchBase, params, nil)
	if err != nil {
		return nil, classifyPubmed(err)
	}
	var search pubmedSearchResult
	if err := json.Unmarshal(resp.Body, &search); err != nil {
		return nil, fmt.Errorf("parse pubmed search: %w", err)
	}
	return &search, nil
}

func parsePubmedArticle(article *pubmedArticle) Record {
	rec := Record{Title: article.MedlineCitation.Article.ArticleTitle}
	rec.PubmedID = article.MedlineCitation.PMID

	// Structured abstracts keep their section labels.
	var parts []string
	for _, text := range article.MedlineCitation.Article.Abstract.AbstractTexts {
		t := strings.TrimSpace(text.Text)
		if t == "" {
			continue
		}
		if text.Label != "" {
			t = text.Label + ": " + t
		}
		parts = append(parts, t)
	}
	rec.Abstract = strings.Join(parts, "\n")

	for _, id := range article.PubmedData.ArticleIDs {
		if id.IDType == "doi" {
			rec.DOI = id.Value
		}
	}
	rec.Canonicalize()

	// The provider speaks XML; the cache stores JSON, so the parsed article
	// is what gets persisted.
	rec.Raw, _ = json.Marshal(article)
	return rec
}

func classifyPubmed(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.StatusCode {
	case 400, 414:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case 401, 403:
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}
	return err
}
