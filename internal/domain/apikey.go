package domain

import (
	"time"

	"github.com/google/uuid"
)

// ApiKey is a credential for one source API. Keys are owned by users (via
// AuthKey) and rotated by oldest last_used so cooperating workers drift
// toward fair utilisation without a lock service.
type ApiKey struct {
	APIKeyID uuid.UUID
	Owner    string
	Wrapper  SourceTag
	Key      string
	Proxy    string
	Active   bool
	LastUsed *time.Time

	// APIFeedback carries provider-specific quota counters returned with
	// responses (e.g. x-ratelimit-remaining). Updated after every call.
	APIFeedback map[string]string
}

// RemainingFeedbackKey is the api_feedback entry the credential pool checks
// to skip exhausted keys.
const RemainingFeedbackKey = "requests_remaining"

// AuthKey is a user's bearer token; it maps to the set of API keys that user
// is authorised to spend.
type AuthKey struct {
	AuthKeyID uuid.UUID
	Note      string
	Active    bool
	Read      bool
	Write     bool
}
