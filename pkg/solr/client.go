// Package solr provides a lightweight client for the OpenAlex Solr
// collection. Uses raw HTTP for full control over query parameters and
// atomic (partial) updates.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds Solr connection settings.
type Config struct {
	Host       string // e.g. "http://localhost:8983"
	Collection string // e.g. "openalex"
}

// Client communicates with a single Solr collection.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new Solr client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) collectionURL(handler string) string {
	return fmt.Sprintf("%s/solr/%s/%s", strings.TrimRight(c.cfg.Host, "/"), c.cfg.Collection, handler)
}

// Doc is a Solr document as returned by /select.
type Doc map[string]any

// Str returns the document field as a string ("" when absent). Solr returns
// multi-valued fields as arrays; the first element wins.
func (d Doc) Str(field string) string {
	switch v := d[field].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Query describes one /select call.
type Query struct {
	Q       string
	Filters []string // fq clauses
	Fields  string   // fl
	Sort    string
	Rows    int
	Op      string // q.op, defaults to AND
	DefType string // defaults to lucene
}

type selectResponse struct {
	Response struct {
		NumFound int   `json:"numFound"`
		Docs     []Doc `json:"docs"`
	} `json:"response"`
	NextCursorMark string `json:"nextCursorMark"`
}

func (c *Client) params(q Query, cursor string) url.Values {
	params := url.Values{}
	params.Set("q", q.Q)
	for _, fq := range q.Filters {
		params.Add("fq", fq)
	}
	if q.Fields != "" {
		params.Set("fl", q.Fields)
	}
	op := q.Op
	if op == "" {
		op = "AND"
	}
	params.Set("q.op", op)
	defType := q.DefType
	if defType == "" {
		defType = "lucene"
	}
	params.Set("defType", defType)
	rows := q.Rows
	if rows <= 0 {
		rows = 1000
	}
	params.Set("rows", strconv.Itoa(rows))
	if cursor != "" {
		params.Set("cursorMark", cursor)
		sort := q.Sort
		if sort == "" {
			sort = "id desc"
		}
		params.Set("sort", sort)
	}
	return params
}

// Select runs a single (non-paged) query and returns the matching documents
// plus the total hit count.
func (c *Client) Select(ctx context.Context, q Query) ([]Doc, int, error) {
	page, err := c.selectPage(ctx, c.params(q, ""))
	if err != nil {
		return nil, 0, err
	}
	return page.Response.Docs, page.Response.NumFound, nil
}

// SelectCursor streams every document matching the query through fn, using
// cursorMark deep paging. fn returning an error stops the scan.
func (c *Client) SelectCursor(ctx context.Context, q Query, fn func(doc Doc) error) error {
	cursor := "*"
	for {
		page, err := c.selectPage(ctx, c.params(q, cursor))
		if err != nil {
			return err
		}
		for _, doc := range page.Response.Docs {
			if err := fn(doc); err != nil {
				return err
			}
		}
		// Solr signals the end by echoing the cursor back.
		if page.NextCursorMark == "" || page.NextCursorMark == cursor {
			return nil
		}
		cursor = page.NextCursorMark
	}
}

func (c *Client) selectPage(ctx context.Context, params url.Values) (*selectResponse, error) {
	reqURL := c.collectionURL("select") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create select request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solr select: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read solr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solr select failed (%d): %s", resp.StatusCode, truncate(body))
	}

	var page selectResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse solr response: %w", err)
	}
	return &page, nil
}

// GetByIDs fetches the given documents (by Solr id) restricted to fields.
// Batches of a few hundred ids keep the terms filter within URL limits.
func (c *Client) GetByIDs(ctx context.Context, ids []string, fields string) ([]Doc, error) {
	const batch = 250
	var out []Doc
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		docs, _, err := c.Select(ctx, Query{
			Q:       "*:*",
			Filters: []string{"{!terms f=id}" + strings.Join(ids[start:end], ",")},
			Fields:  fields,
			Rows:    end - start,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

// FieldUpdate is an atomic partial update for one document: every listed
// field is replaced via {"set": value}, all other fields stay untouched.
type FieldUpdate struct {
	ID     string
	Fields map[string]any
}

// UpdatePartial applies atomic updates and commits.
func (c *Client) UpdatePartial(ctx context.Context, updates []FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	docs := make([]map[string]any, 0, len(updates))
	for _, u := range updates {
		doc := map[string]any{"id": u.ID}
		for field, value := range u.Fields {
			doc[field] = map[string]any{"set": value}
		}
		docs = append(docs, doc)
	}
	return c.postUpdate(ctx, docs)
}

// AddDocuments indexes full documents (replacing any existing ones) and
// commits.
func (c *Client) AddDocuments(ctx context.Context, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	return c.postUpdate(ctx, docs)
}

func (c *Client) postUpdate(ctx context.Context, docs []map[string]any) error {
	payload, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal update payload: %w", err)
	}

	reqURL := c.collectionURL("update/json") + "?commit=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("solr update: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read solr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solr update failed (%d): %s", resp.StatusCode, truncate(body))
	}
	return nil
}

func truncate(body []byte) string {
	if len(body) > 500 {
		body = body[:500]
	}
	return string(body)
}
