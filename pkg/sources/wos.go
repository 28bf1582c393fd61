package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/httpclient"
)

const wosBaseURL = "https://wos-api.clarivate.com/api/wos"

// WOS queries the Web of Science Expanded API. Matching runs over the UT
// accession number, DOI and PMID fields of the advanced search syntax.
type WOS struct {
	http *httpclient.Client
	base string
}

func NewWOS() (*WOS, error) {
	// WOS allows 2 requests per second.
	hc, err := httpclient.New(httpclient.Options{
		MaxRPS:     2,
		MaxRetries: 4,
		Timeout:    60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &WOS{http: hc, base: wosBaseURL}, nil
}

func (w *WOS) Tag() domain.SourceTag    { return domain.SourceWos }
func (w *WOS) CanonicalIDField() string { return "wos_id" }
func (w *WOS) PageSizeMax() int         { return 50 }

// buildWOSQuery assembles the advanced-search query, bucketing references by
// their strongest identifier: UT=(...) OR DO=(...) OR PMID=(...).
func buildWOSQuery(refs []domain.Reference) string {
	var uts, dois, pmids []string
	for i := range refs {
		switch {
		case refs[i].WosID != "":
			uts = append(uts, refs[i].WosID)
		case refs[i].DOI != "":
			dois = append(dois, refs[i].DOI)
		case refs[i].PubmedID != "":
			pmids = append(pmids, refs[i].PubmedID)
		}
	}

	var clauses []string
	if len(uts) > 0 {
		clauses = append(clauses, fmt.Sprintf("UT=(%s)", strings.Join(uts, " OR ")))
	}
	if len(dois) > 0 {
		clauses = append(clauses, fmt.Sprintf("DO=(%s)", strings.Join(quoteIDs(dois), " OR ")))
	}
	if len(pmids) > 0 {
		clauses = append(clauses, fmt.Sprintf("PMID=(%s)", strings.Join(pmids, " OR ")))
	}
	return strings.Join(clauses, " OR ")
}

func (w *WOS) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error) {
	query := buildWOSQuery(refs)
	if query == "" {
		return nil, nil
	}
	if key.Proxy != "" {
		if err := w.http.SwitchProxy(key.Proxy); err != nil {
			return nil, err
		}
	}

	headers := map[string]string{
		"X-ApiKey": key.Key,
		"Accept":   "application/json",
	}

	var records []Record
	first := 1
	for {
		params := url.Values{}
		params.Set("databaseId", "WOS")
		params.Set("usrQuery", query)
		params.Set("count", strconv.Itoa(w.PageSizeMax()))
		params.Set("firstRecord", strconv.Itoa(first))

		resp, err := w.http.Get(ctx, w.base, params, headers)
		if err != nil {
			return records, classifyWOS(err, key)
		}
		if remaining := resp.Header.Get("X-RateLimit-Remaining-Day"); remaining != "" {
			if key.APIFeedback == nil {
				key.APIFeedback = map[string]string{}
			}
			key.APIFeedback[domain.RemainingFeedbackKey] = remaining
		}

		var page struct {
			QueryResult struct {
				RecordsFound int `json:"RecordsFound"`
			} `json:"QueryResult"`
			Data struct {
				Records struct {
					Records struct {
						REC []json.RawMessage `json:"REC"`
					} `json:"records"`
				} `json:"Records"`
			} `json:"Data"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return records, fmt.Errorf("parse wos response: %w", err)
		}
		if len(page.Data.Records.Records.REC) == 0 {
			return records, nil
		}

		for _, raw := range page.Data.Records.Records.REC {
			rec, err := parseWOSRecord(raw)
			if err != nil {
				return records, err
			}
			if rec.Usable(w.CanonicalIDField()) {
				records = append(records, rec)
			}
		}

		first += w.PageSizeMax()
		if first > page.QueryResult.RecordsFound {
			return records, nil
		}
	}
}

// parseWOSRecord digs the title, abstract and identifiers out of one REC.
// The payload nests aggressively and flips between object and array for
// single-element collections, so navigation is dynamic.
func parseWOSRecord(raw json.RawMessage) (Record, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Record{}, fmt.Errorf("parse wos record: %w", err)
	}

	rec := Record{Raw: raw}
	rec.WosID, _ = doc["UID"].(string)

	for _, title := range asList(dig(doc, "static_data", "summary", "titles", "title")) {
		if m, ok := title.(map[string]any); ok && m["type"] == "item" {
			rec.Title, _ = m["content"].(string)
		}
	}

	var paragraphs []string
	for _, abstract := range asList(dig(doc, "static_data", "fullrecord_metadata", "abstracts", "abstract")) {
		if m, ok := abstract.(map[string]any); ok {
			for _, p := range asList(dig(m, "abstract_text", "p")) {
				if s, ok := p.(string); ok {
					paragraphs = append(paragraphs, s)
				}
			}
		}
	}
	rec.Abstract = strings.Join(paragraphs, "\n")

	for _, ident := range asList(dig(doc, "dynamic_data", "cluster_related", "identifiers", "identifier")) {
		m, ok := ident.(map[string]any)
		if !ok {
			continue
		}
		value, _ := m["value"].(string)
		switch m["type"] {
		case "doi":
			rec.DOI = value
		case "pmid":
			rec.PubmedID = strings.TrimPrefix(value, "MEDLINE:")
		}
	}

	rec.Canonicalize()
	return rec, nil
}

// dig walks nested maps; any missing step returns nil.
func dig(doc map[string]any, path ...string) any {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// asList normalises WOS's single-object-or-array collections to a slice.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func classifyWOS(err error, key *domain.ApiKey) error {
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
		return fmt.Errorf("wos quota exhausted: %w", err)
	}
	return err
}
