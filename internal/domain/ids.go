package domain

import "strings"

// Known URL prefixes that external APIs and OpenAlex attach to identifiers.
// Everything downstream of the store boundary assumes bare IDs.
var idPrefixes = []string{
	"https://openalex.org/",
	"https://doi.org/",
	"https://orcid.org/",
	"https://www.wikidata.org/wiki/",
	"https://ror.org/",
	"https://pubmed.ncbi.nlm.nih.gov/",
}

// CanonicalID strips any known URL prefix from an identifier and trims
// surrounding whitespace and slashes. Empty input stays empty.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	for _, prefix := range idPrefixes {
		if strings.HasPrefix(id, prefix) {
			id = strings.Trim(id[len(prefix):], "/")
			break
		}
	}
	return id
}
