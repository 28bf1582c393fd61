// Package openalex is a client for the OpenAlex works API, used by the daily
// delta ingestor. OpenAlex is free; an API key and a mailto (polite pool)
// speed it up.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/nacsos/meta-cache/pkg/httpclient"
)

const baseURL = "https://api.openalex.org"

// Client pages through OpenAlex works with cursor pagination.
type Client struct {
	http    *httpclient.Client
	apiKey  string
	mailto  string
	perPage int
	base    string
}

func NewClient(apiKey, mailto string) (*Client, error) {
	// ~10 req/s is what the polite pool sustains.
	hc, err := httpclient.New(httpclient.Options{
		MaxRPS:     10,
		MaxRetries: 5,
		Timeout:    60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Client{http: hc, apiKey: apiKey, mailto: mailto, perPage: 200, base: baseURL}, nil
}

type worksResponse struct {
	Meta struct {
		Count      int     `json:"count"`
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
	Results []json.RawMessage `json:"results"`
}

// Work is the subset of an OpenAlex work the pipeline cares about.
type Work struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	Language              string           `json:"language"`
	Type                  string           `json:"type"`
	PublicationYear       int              `json:"publication_year"`
	PublicationDate       string           `json:"publication_date"`
	CreatedDate           string           `json:"created_date"`
	UpdatedDate           string           `json:"updated_date"`
	CitedByCount          int              `json:"cited_by_count"`
	IsParatext            bool             `json:"is_paratext"`
	IsRetracted           bool             `json:"is_retracted"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`

	Authorships     []Authorship   `json:"authorships"`
	Topics          []Topic        `json:"topics"`
	Locations       []Location     `json:"locations"`
	PrimaryLocation *Location      `json:"primary_location"`
	OpenAccess      *OpenAccess    `json:"open_access"`
	Biblio          *Biblio        `json:"biblio"`
	IDs             map[string]any `json:"ids"`
	IndexedIn       []string       `json:"indexed_in"`
}

type Authorship struct {
	AuthorPosition string `json:"author_position,omitempty"`
	Author         struct {
		ID          string `json:"id,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
		Orcid       string `json:"orcid,omitempty"`
	} `json:"author"`
	Institutions []struct {
		ID          string `json:"id,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
		CountryCode string `json:"country_code,omitempty"`
	} `json:"institutions,omitempty"`
}

type Location struct {
	IsOA           bool    `json:"is_oa,omitempty"`
	LandingPageURL string  `json:"landing_page_url,omitempty"`
	PDFURL         string  `json:"pdf_url,omitempty"`
	License        string  `json:"license,omitempty"`
	Version        string  `json:"version,omitempty"`
	IsPublished    bool    `json:"is_published,omitempty"`
	IsAccepted     bool    `json:"is_accepted,omitempty"`
	Source         *Source `json:"source,omitempty"`
}

type Source struct {
	ID                   string `json:"id,omitempty"`
	DisplayName          string `json:"display_name,omitempty"`
	HostOrganization     string `json:"host_organization,omitempty"`
	HostOrganizationName string `json:"host_organization_name,omitempty"`
	Type                 string `json:"type,omitempty"`
}

type Topic struct {
	ID          string  `json:"id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

type OpenAccess struct {
	IsOA     bool   `json:"is_oa"`
	OAStatus string `json:"oa_status,omitempty"`
	OAURL    string `json:"oa_url,omitempty"`
}

type Biblio struct {
	Volume    string `json:"volume,omitempty"`
	Issue     string `json:"issue,omitempty"`
	FirstPage string `json:"first_page,omitempty"`
	LastPage  string `json:"last_page,omitempty"`
}

// PMID returns the bare PubMed ID from the work's ids map, if any.
func (w *Work) PMID() string {
	return w.stringID("pmid", "https://pubmed.ncbi.nlm.nih.gov/")
}

// PMCID returns the bare PubMed Central ID from the work's ids map, if any.
func (w *Work) PMCID() string {
	return w.stringID("pmcid", "https://www.ncbi.nlm.nih.gov/pmc/articles/")
}

func (w *Work) stringID(key, prefix string) string {
	v, ok := w.IDs[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Works streams all works matching the filter expression (e.g.
// "from_created_date:2024-01-02,to_created_date:2024-01-02"), calling fn for
// each. The raw message is the work exactly as OpenAlex returned it.
func (c *Client) Works(ctx context.Context, filter string, fn func(work *Work, raw json.RawMessage) error) error {
	cursor := "*"
	for cursor != "" {
		params := url.Values{}
		params.Set("filter", filter)
		params.Set("per_page", strconv.Itoa(c.perPage))
		params.Set("cursor", cursor)
		if c.apiKey != "" {
			params.Set("api_key", c.apiKey)
		}
		if c.mailto != "" {
			params.Set("mailto", c.mailto)
		}

		resp, err := c.http.Get(ctx, c.base+"/works", params, map[string]string{
			"Accept":     "application/json",
			"User-Agent": userAgent(c.mailto),
		})
		if err != nil {
			return fmt.Errorf("openalex works request: %w", err)
		}

		var page worksResponse
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return fmt.Errorf("parse openalex response: %w", err)
		}
		if len(page.Results) == 0 {
			return nil
		}

		for _, raw := range page.Results {
			var work Work
			if err := json.Unmarshal(raw, &work); err != nil {
				return fmt.Errorf("parse openalex work: %w", err)
			}
			if err := fn(&work, raw); err != nil {
				return err
			}
		}

		cursor = ""
		if page.Meta.NextCursor != nil {
			cursor = *page.Meta.NextCursor
		}
	}
	return nil
}

func userAgent(mailto string) string {
	if mailto != "" {
		return fmt.Sprintf("meta-cache/1.0 (mailto:%s)", mailto)
	}
	return "meta-cache/1.0"
}
