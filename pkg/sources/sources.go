// Package sources implements the provider adapters the queue drainer fetches
// abstracts through. Every adapter owns its rate-limited HTTP client, its
// query syntax, and its response parsing; the drainer only sees References
// in and Records out.
package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/nacsos/meta-cache/internal/domain"
)

var (
	// ErrNotImplemented marks a reserved source tag without an adapter yet.
	ErrNotImplemented = errors.New("source not implemented")

	// ErrInvalidRequest means the provider rejected the query itself;
	// retrying the same references is pointless.
	ErrInvalidRequest = errors.New("invalid source request")

	// ErrPermanentFailure means the source cannot serve this batch at all
	// (revoked key, forbidden endpoint). The caller should drop the source
	// from the queue rows rather than retry.
	ErrPermanentFailure = errors.New("permanent source failure")
)

// Record is one work as returned by a provider. The identifiers are already
// canonicalised; Raw is the provider's payload verbatim.
type Record struct {
	domain.Reference
	Title    string
	Abstract string
	Raw      []byte
}

// Usable reports whether the record carries enough identifiers to be linked
// back to queue rows later: at least two of openalex_id, doi and the
// source's canonical identifier.
func (r *Record) Usable(canonicalField string) bool {
	n := 0
	for _, field := range []string{"openalex_id", "doi", canonicalField} {
		if r.ID(field) != "" {
			n++
		}
	}
	return n >= 2
}

// Adapter is one provider integration.
type Adapter interface {
	// Tag is the source's identity in queue rows and request records.
	Tag() domain.SourceTag

	// CanonicalIDField names the identifier column this source fills
	// natively (e.g. "scopus_id").
	CanonicalIDField() string

	// PageSizeMax is the largest reference batch one query may carry.
	PageSizeMax() int

	// Fetch resolves the batch against the provider using the given
	// credential. Adapters update key.APIFeedback with quota counters the
	// provider reports. Works the provider does not know are simply absent
	// from the result.
	Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error)
}

// New builds the adapter for a source tag. S2 is a reserved tag: queue rows
// may name it, but fetching through it fails until an adapter exists.
func New(tag domain.SourceTag) (Adapter, error) {
	switch tag {
	case domain.SourceScopus:
		return NewScopus()
	case domain.SourceDimensions:
		return NewDimensions()
	case domain.SourceWos:
		return NewWOS()
	case domain.SourcePubmed:
		return NewPubmed()
	case domain.SourceS2:
		return &s2Adapter{}, nil
	}
	return nil, fmt.Errorf("unknown source tag %q", tag)
}

// quoteIDs wraps each identifier in double quotes for query syntaxes that
// need it.
func quoteIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = `"` + id + `"`
	}
	return out
}
