package assets

import (
	"regexp"
	"strings"
)

// maxFileNameLen keeps generated names well inside common filesystem limits.
const maxFileNameLen = 100

var (
	disallowedChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	dotRuns         = regexp.MustCompile(`\.{2,}`)
)

// SafeFileName maps arbitrary input to a single path segment containing only
// letters, digits, dot, underscore and hyphen. The result never contains a
// path separator or a ".." sequence and is never empty.
func SafeFileName(raw string) string {
	name := disallowedChars.ReplaceAllString(raw, "_")
	name = dotRuns.ReplaceAllString(name, ".")
	name = strings.Trim(name, "._")
	if len(name) > maxFileNameLen {
		name = name[:maxFileNameLen]
		name = strings.Trim(name, "._")
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
