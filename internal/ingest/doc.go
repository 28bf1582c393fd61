package ingest

import (
	"encoding/json"

	"github.com/nacsos/meta-cache/internal/domain"
	"github.com/nacsos/meta-cache/pkg/openalex"
)

// maxAuthorships caps the serialised author list; hyperauthored physics
// papers otherwise blow up document size for no retrieval benefit.
const maxAuthorships = 100

// translateWork flattens an OpenAlex work into a Solr document. Nested
// objects are stored as JSON strings, matching the index schema.
func translateWork(work *openalex.Work) map[string]any {
	doc := map[string]any{
		"id": domain.CanonicalID(work.ID),
	}
	if doi := domain.CanonicalID(work.DOI); doi != "" {
		doc["doi"] = doi
	}
	if pmid := work.PMID(); pmid != "" {
		doc["pubmed_id"] = pmid
	}

	title := work.Title
	if title == "" {
		title = work.DisplayName
	}
	if title != "" {
		doc["title"] = title
	}
	abstract := work.Abstract()
	if abstract != "" {
		doc["abstract"] = abstract
		doc["abstract_source"] = "OpenAlex"
	}
	switch {
	case title != "" && abstract != "":
		doc["title_abstract"] = title + "\n" + abstract
	case title != "":
		doc["title_abstract"] = title
	case abstract != "":
		doc["title_abstract"] = abstract
	}

	if work.PublicationYear > 0 {
		doc["publication_year"] = work.PublicationYear
	}
	if work.PublicationDate != "" {
		doc["publication_date"] = work.PublicationDate
	}
	if work.CreatedDate != "" {
		doc["created_date"] = work.CreatedDate
	}
	if work.UpdatedDate != "" {
		doc["updated_date"] = work.UpdatedDate
	}
	if work.Type != "" {
		doc["type"] = work.Type
	}
	if work.Language != "" {
		doc["language"] = work.Language
	}
	doc["cited_by_count"] = work.CitedByCount
	doc["is_paratext"] = work.IsParatext
	doc["is_retracted"] = work.IsRetracted

	authorships := work.Authorships
	if len(authorships) > maxAuthorships {
		authorships = authorships[:maxAuthorships]
	}
	putJSON(doc, "authorships", authorships)
	putJSON(doc, "locations", work.Locations)
	putJSON(doc, "topics", work.Topics)
	if work.Biblio != nil {
		putJSON(doc, "biblio", work.Biblio)
	}
	if work.OpenAccess != nil {
		doc["is_oa"] = work.OpenAccess.IsOA
	}
	return doc
}

func putJSON(doc map[string]any, field string, v any) {
	switch t := v.(type) {
	case []openalex.Authorship:
		if len(t) == 0 {
			return
		}
	case []openalex.Location:
		if len(t) == 0 {
			return
		}
	case []openalex.Topic:
		if len(t) == 0 {
			return
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	doc[field] = string(data)
}
