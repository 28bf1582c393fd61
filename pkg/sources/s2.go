package sources

import (
	"context"
	"fmt"

	"github.com/nacsos/meta-cache/internal/domain"
)

// s2Adapter reserves the Semantic Scholar tag. Queue rows may already name
// S2 so the order is preserved once the integration lands; until then every
// fetch fails as not-implemented and the drainer drops the source.
type s2Adapter struct{}

func (s *s2Adapter) Tag() domain.SourceTag    { return domain.SourceS2 }
func (s *s2Adapter) CanonicalIDField() string { return "s2_id" }
func (s *s2Adapter) PageSizeMax() int         { return 100 }

func (s *s2Adapter) Fetch(ctx context.Context, refs []domain.Reference, key *domain.ApiKey) ([]Record, error) {
	return nil, fmt.Errorf("%w: S2", ErrNotImplemented)
}
