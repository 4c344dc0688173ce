// Package doi validates and canonicalizes Digital Object Identifiers.
package doi

import (
	"regexp"
	"strings"
)

// canonicalPattern is the shape every accepted DOI must have after
// normalization: "10.<4-9 digit registrant>/<non-whitespace suffix>".
var canonicalPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)

// searchPattern locates DOI-looking tokens inside free text or markup.
// Characters that commonly terminate a DOI in HTML are excluded.
var searchPattern = regexp.MustCompile(`(?i)10\.\d{4,9}/[^\s<>"{}|\\^` + "`" + `]+`)

// resolverPrefix strips doi.org resolver URLs and "doi:" labels.
var resolverPrefix = regexp.MustCompile(`(?i)^(https?://(dx\.)?doi\.org/|doi:\s*)`)

// trailingPunct matches punctuation that page text tends to glue onto the
// end of a DOI (closing brackets, sentence periods, quotes).
var trailingPunct = regexp.MustCompile(`[\]\[)>(<"'.,;:]+$`)

// Normalize strips surrounding noise from a candidate identifier and reports
// whether the result is a valid canonical DOI. DOIs are case-insensitive, so
// the canonical form is lowercase. Normalize is idempotent: feeding its own
// output back yields the same result.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = resolverPrefix.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = trailingPunct.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	if !canonicalPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// Find scans text for the first DOI-looking token and returns its normalized
// form. It reports false when nothing in the text survives validation.
func Find(text string) (string, bool) {
	for _, loc := range searchPattern.FindAllString(text, -1) {
		if d, ok := Normalize(loc); ok {
			return d, true
		}
	}
	return "", false
}
