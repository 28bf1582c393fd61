package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/httpclient"
)

const (
	dimensionsBaseURL  = "https://app.dimensions.ai"
	dimensionsDSLPath  = "/api/dsl/v2"
	dimensionsAuthPath = "/api/auth.json"

	// dimensionsFields is the publication field selection of every DSL query.
	dimensionsFields = "id + doi + pmid + title + abstract + year + type"

	dimensionsPageSize = 400
)

// Dimensions queries the Dimensions Analytics DSL API. Credentials are
// exchanged for a short-lived JWT; an expired token is refreshed in-flight
// through the client's 401 handler.
type Dimensions struct {
	http *httpclient.Client
	base string

	mu         sync.Mutex
	token      string
	refreshing bool
}

func NewDimensions() (*Dimensions, error) {
	// Dimensions allows 30 requests per minute.
	hc, err := httpclient.New(httpclient.Options{
		MaxRPS:     0.5,
		MaxRetries: 3,
		Timeout:    90 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Dimensions{http: hc, base: dimensionsBaseURL}, nil
}

func (d *Dimensions) Tag() domain.SourceTag    { return domain.SourceDimensions }
func (d *Dimensions) CanonicalIDField() string { return "dimensions_id" }
func (d *Dimensions) PageSizeMax() int         { return dimensionsPageSize }

// buildDimensionsQuery assembles the DSL search. References are bucketed by
// their strongest identifier; buckets are OR-ed together.
func buildDimensionsQuery(refs []domain.Reference, limit, skip int) string {
	var dimIDs, dois, pmids []string
	for i := range refs {
		switch {
		case refs[i].DimensionsID != "":
			dimIDs = append(dimIDs, refs[i].DimensionsID)
		case refs[i].DOI != "":
			dois = append(dois, refs[i].DOI)
		case refs[i].PubmedID != "":
			pmids = append(pmids, refs[i].PubmedID)
		}
	}

	var clauses []string
	if len(dimIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("id in [%s]", strings.Join(quoteIDs(dimIDs), ", ")))
	}
	if len(dois) > 0 {
		clauses = append(clauses, fmt.Sprintf("doi in [%s]", strings.Join(quoteIDs(dois), ", ")))
	}
	if len(pmids) > 0 {
		clauses = append(clauses, fmt.Sprintf("pmid in [%s]", strings.Join(quoteIDs(pmids), ", ")))
	}
	if len(clauses) == 0 {
		return ""
	}

	return fmt.Sprintf(
		"search publications where %s return publications[%s] limit %d skip %d",
		strings.Join(clauses, " or "), dimensionsFields, limit, skip,
	)
}

type dimensionsPublication struct {
	ID       string `json:"id"`
	DOI      string `json:"doi"`
	PMID     string `json:"pmid"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

type dimensionsResponse struct {
	Publications []json.RawMessage `json:"publications"`
	Stats        struct {
		TotalCount int `json:"total_count"`
	} `json:"_stats"`
}

func (d *Dimensions) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error) {
	if key.Proxy != "" {
		if err := d.http.SwitchProxy(key.Proxy); err != nil {
			return nil, err
		}
	}
	if err := d.ensureToken(ctx, key.Key); err != nil {
		return nil, err
	}
	// A stale token mid-run comes back as 401; refresh and replay once.
	d.http.RegisterStatusHandler(http.StatusUnauthorized, func(resp *http.Response, body []byte) (httpclient.Delta, error) {
		token, err := d.refreshToken(ctx, key.Key)
		if err != nil {
			return httpclient.Delta{}, err
		}
		return httpclient.Delta{Headers: map[string]string{"Authorization": "JWT " + token}}, nil
	})

	var records []Record
	skip := 0
	for {
		query := buildDimensionsQuery(refs, dimensionsPageSize, skip)
		if query == "" {
			return nil, nil
		}

		d.mu.Lock()
		headers := map[string]string{
			"Authorization": "JWT " + d.token,
			"Content-Type":  "text/plain",
		}
		d.mu.Unlock()

		resp, err := d.http.Post(ctx, d.base+dimensionsDSLPath, headers, []byte(query))
		if err != nil {
			return records, classifyDimensions(err)
		}

		var page dimensionsResponse
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return records, fmt.Errorf("parse dimensions response: %w", err)
		}

		for _, raw := range page.Publications {
			var pub dimensionsPublication
			if err := json.Unmarshal(raw, &pub); err != nil {
				return records, fmt.Errorf("parse dimensions publication: %w", err)
			}
			rec := Record{
				Title:    pub.Title,
				Abstract: pub.Abstract,
				Raw:      raw,
			}
			rec.DimensionsID = pub.ID
			rec.DOI = pub.DOI
			rec.PubmedID = pub.PMID
			rec.Canonicalize()
			if rec.Usable(d.CanonicalIDField()) {
				records = append(records, rec)
			}
		}

		skip += dimensionsPageSize
		if len(page.Publications) == 0 || skip >= page.Stats.TotalCount {
			return records, nil
		}
	}
}

// ensureToken refreshes the JWT when it is missing or expires within a
// minute. The expiry claim is read without verification; the server is the
// authority anyway.
func (d *Dimensions) ensureToken(ctx context.Context, apiKey string) error {
	d.mu.Lock()
	token := d.token
	d.mu.Unlock()

	if token != "" && !tokenExpiresSoon(token) {
		return nil
	}
	_, err := d.refreshToken(ctx, apiKey)
	return err
}

func tokenExpiresSoon(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < time.Minute
}

func (d *Dimensions) refreshToken(ctx context.Context, apiKey string) (string, error) {
	// The 401 handler calls back in here; if the auth endpoint itself keeps
	// rejecting us there is nothing left to retry.
	d.mu.Lock()
	if d.refreshing {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: dimensions auth loop", ErrPermanentFailure)
	}
	d.refreshing = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.refreshing = false
		d.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]string{"key": apiKey})
	if err != nil {
		return "", err
	}
	resp, err := d.http.Post(ctx, d.base+dimensionsAuthPath, map[string]string{
		"Content-Type": "application/json",
	}, payload)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == 401 || statusErr.StatusCode == 403) {
			return "", fmt.Errorf("%w: dimensions auth rejected: %v", ErrPermanentFailure, err)
		}
		return "", fmt.Errorf("dimensions auth: %w", err)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("parse dimensions auth response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: dimensions auth returned no token", ErrPermanentFailure)
	}

	d.mu.Lock()
	d.token = body.Token
	d.mu.Unlock()
	return body.Token, nil
}

func classifyDimensions(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.StatusCode {
	case 400, 422:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case 401, 403:
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}
	return err
}
