package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/httpclient"
)

const scopusBaseURL = "https://api.elsevier.com/content/search/scopus"

// Scopus queries the Elsevier Scopus Search API. Known works are matched by
// EID, the rest by DOI; results come back with the COMPLETE view so the
// abstract (dc:description) is included.
type Scopus struct {
	http *httpclient.Client
	base string
}

func NewScopus() (*Scopus, error) {
	hc, err := httpclient.New(httpclient.Options{
		MaxRPS:     5,
		MaxRetries: 4,
		Timeout:    60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Scopus{http: hc, base: scopusBaseURL}, nil
}

func (s *Scopus) Tag() domain.SourceTag    { return domain.SourceScopus }
func (s *Scopus) CanonicalIDField() string { return "scopus_id" }
func (s *Scopus) PageSizeMax() int         { return 25 }

// buildScopusQuery turns a reference batch into a Scopus advanced query:
// EID(...) for references with a known Scopus ID, DOI("...") otherwise.
func buildScopusQuery(refs []domain.Reference) string {
	clauses := make([]string, 0, len(refs))
	for i := range refs {
		switch {
		case refs[i].ScopusID != "":
			clauses = append(clauses, fmt.Sprintf("EID(%s)", refs[i].ScopusID))
		case refs[i].DOI != "":
			clauses = append(clauses, fmt.Sprintf("DOI(%q)", refs[i].DOI))
		}
	}
	return strings.Join(clauses, " OR ")
}

type scopusEntry struct {
	Error       string `json:"error"`
	Title       string `json:"dc:title"`
	Description string `json:"dc:description"`
	DOI         string `json:"prism:doi"`
	EID         string `json:"eid"`
	PubmedID    string `json:"pubmed-id"`
}

type scopusResponse struct {
	SearchResults struct {
		TotalResults string `json:"opensearch:totalResults"`
		Cursor       struct {
			Current string `json:"@current"`
			Next    string `json:"@next"`
		} `json:"cursor"`
		Entries []json.RawMessage `json:"entry"`
	} `json:"search-results"`
}

func (s *Scopus) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error) {
	query := buildScopusQuery(refs)
	if query == "" {
		return nil, nil
	}
	if key.Proxy != "" {
		if err := s.http.SwitchProxy(key.Proxy); err != nil {
			return nil, err
		}
	}

	headers := map[string]string{
		"X-ELS-APIKey": key.Key,
		"Accept":       "application/json",
	}

	var records []Record
	cursor := "*"
	for {
		params := url.Values{}
		params.Set("query", query)
		params.Set("view", "COMPLETE")
		params.Set("cursor", cursor)

		resp, err := s.http.Get(ctx, s.base, params, headers)
		if err != nil {
			return records, s.classify(err, key)
		}
		captureRateHeaders(key, resp.Header)

		var page scopusResponse
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return records, fmt.Errorf("parse scopus response: %w", err)
		}
		if len(page.SearchResults.Entries) == 0 {
			return records, nil
		}

		for _, raw := range page.SearchResults.Entries {
			var entry scopusEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return records, fmt.Errorf("parse scopus entry: %w", err)
			}
			// Scopus reports an empty result set as a pseudo-entry.
			if entry.Error != "" {
				return records, nil
			}
			rec := Record{
				Title:    entry.Title,
				Abstract: entry.Description,
				Raw:      raw,
			}
			rec.ScopusID = entry.EID
			rec.DOI = entry.DOI
			rec.PubmedID = entry.PubmedID
			rec.Canonicalize()
			if rec.Usable(s.CanonicalIDField()) {
				records = append(records, rec)
			}
		}

		next := page.SearchResults.Cursor.Next
		if next == "" || next == page.SearchResults.Cursor.Current {
			return records, nil
		}
		cursor = next
	}
}

// captureRateHeaders copies the Elsevier quota headers into the key's
// feedback so the credential pool can skip spent keys.
func captureRateHeaders(key *domain.ApiKey, header http.Header) {
	for name, field := range map[string]string{
		"X-RateLimit-Limit":     "requests_limit",
		"X-RateLimit-Remaining": domain.RemainingFeedbackKey,
		"X-RateLimit-Reset":     "requests_reset",
	} {
		if v := header.Get(name); v != "" {
			if key.APIFeedback == nil {
				key.APIFeedback = map[string]string{}
			}
			key.APIFeedback[field] = v
		}
	}
}

// classify maps HTTP failures onto the drainer's failure semantics. Quota
// exhaustion (429) marks the credential as spent but stays transient.
func (s *Scopus) classify(err error, key *domain.ApiKey) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.StatusCode {
	case 400:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case 401, 403:
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	case 429:
		if key.APIFeedback == nil {
			key.APIFeedback = map[string]string{}
		}
		key.APIFeedback[domain.RemainingFeedbackKey] = "0"
		return fmt.Errorf("scopus quota exhausted: %w", err)
	}
	return err
}
