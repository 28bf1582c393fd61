package domain

// Reference is a bag of identifiers used to look up a work across sources.
// Empty string means "unknown". At least one identifier is required for a
// reference to be usable.
type Reference struct {
	OpenAlexID   string `json:"openalex_id,omitempty"`
	DOI          string `json:"doi,omitempty"`
	PubmedID     string `json:"pubmed_id,omitempty"`
	S2ID         string `json:"s2_id,omitempty"`
	ScopusID     string `json:"scopus_id,omitempty"`
	WosID        string `json:"wos_id,omitempty"`
	DimensionsID string `json:"dimensions_id,omitempty"`
	NacsosID     string `json:"nacsos_id,omitempty"`
}

// IDFields lists the identifier columns in the order they appear in the
// meta-cache schema. Matching between Queue and Request joins on any of them.
var IDFields = []string{
	"openalex_id", "doi", "pubmed_id", "s2_id",
	"scopus_id", "wos_id", "dimensions_id", "nacsos_id",
}

// ID returns the identifier stored under the given column name.
func (r *Reference) ID(field string) string {
	switch field {
	case "openalex_id":
		return r.OpenAlexID
	case "doi":
		return r.DOI
	case "pubmed_id":
		return r.PubmedID
	case "s2_id":
		return r.S2ID
	case "scopus_id":
		return r.ScopusID
	case "wos_id":
		return r.WosID
	case "dimensions_id":
		return r.DimensionsID
	case "nacsos_id":
		return r.NacsosID
	}
	return ""
}

// SetID stores an identifier under the given column name.
func (r *Reference) SetID(field, value string) {
	switch field {
	case "openalex_id":
		r.OpenAlexID = value
	case "doi":
		r.DOI = value
	case "pubmed_id":
		r.PubmedID = value
	case "s2_id":
		r.S2ID = value
	case "scopus_id":
		r.ScopusID = value
	case "wos_id":
		r.WosID = value
	case "dimensions_id":
		r.DimensionsID = value
	case "nacsos_id":
		r.NacsosID = value
	}
}

// Canonicalize strips known URL prefixes from all identifiers in place.
func (r *Reference) Canonicalize() {
	for _, field := range IDFields {
		if v := r.ID(field); v != "" {
			r.SetID(field, CanonicalID(v))
		}
	}
}

// NumIDs counts the non-empty identifiers.
func (r *Reference) NumIDs() int {
	n := 0
	for _, field := range IDFields {
		if r.ID(field) != "" {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the reference holds no identifier at all.
func (r *Reference) IsEmpty() bool {
	return r.NumIDs() == 0
}

// Matches reports whether two references share at least one identifier.
func (r *Reference) Matches(other *Reference) bool {
	for _, field := range IDFields {
		if v := r.ID(field); v != "" && v == other.ID(field) {
			return true
		}
	}
	return false
}

// CompleteFrom fills unknown identifiers from a set of references that share
// at least one already-known ID. This heals cross-source ID linkage over
// time: a Scopus response carrying only an EID and DOI inherits the
// OpenAlex ID of the queue row that asked for it.
func (r *Reference) CompleteFrom(refs []Reference) {
	for i := range refs {
		if !r.Matches(&refs[i]) {
			continue
		}
		for _, field := range IDFields {
			if r.ID(field) == "" && refs[i].ID(field) != "" {
				r.SetID(field, refs[i].ID(field))
			}
		}
	}
}
