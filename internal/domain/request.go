package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request is the persistent record of one API response about a work. Rows are
// append-only; only the solarized flag flips (false -> true) once the
// abstract has been transferred to Solr.
type Request struct {
	RecordID uuid.UUID
	Wrapper  SourceTag
	APIKeyID *uuid.UUID
	Reference
	QueueID     *int64
	Title       string
	Abstract    string
	Raw         json.RawMessage // provider payload, verbatim
	Solarized   bool
	TimeCreated time.Time
}

// Successful reports whether the response carried an abstract.
func (r *Request) Successful() bool {
	return r.Abstract != ""
}

// ClampAbstract nulls out abstracts below the configured minimum length.
// Adapters sometimes return placeholder strings ("N/A", a single dash) that
// must not count as success.
func (r *Request) ClampAbstract(minLen int) {
	if len(r.Abstract) < minLen {
		r.Abstract = ""
	}
}
