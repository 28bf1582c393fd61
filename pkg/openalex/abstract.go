package openalex

import "strings"

// ReconstructAbstract rebuilds the abstract text from OpenAlex's inverted
// index (token -> positions). length is the declared token count; pass 0 to
// derive it from the highest position. Positions the index never fills stay
// empty and collapse during joining. Returns "" when nothing remains.
func ReconstructAbstract(index map[string][]int, length int) string {
	if len(index) == 0 {
		return ""
	}

	if length <= 0 {
		for _, positions := range index {
			for _, pos := range positions {
				if pos+1 > length {
					length = pos + 1
				}
			}
		}
	}
	if length <= 0 {
		return ""
	}

	tokens := make([]string, length)
	for token, positions := range index {
		for _, pos := range positions {
			if pos >= 0 && pos < length {
				tokens[pos] = token
			}
		}
	}

	parts := make([]string, 0, length)
	for _, token := range tokens {
		if token != "" {
			parts = append(parts, token)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Abstract returns the reconstructed abstract for the work, or "" when the
// work carries no inverted index.
func (w *Work) Abstract() string {
	return ReconstructAbstract(w.AbstractInvertedIndex, 0)
}
