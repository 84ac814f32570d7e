package parser

import (
	"regexp"
	"strings"
)

// directiveLine matches "-- + nomad <rest>", whitespace-tolerant around the
// "+" and case-insensitive on "nomad" and the directive word that follows.
var directiveLine = regexp.MustCompile(`(?i)^\s*--\s*\+\s*nomad\s+(.+?)\s*$`)

type directiveKind int

const (
	directiveNone directiveKind = iota
	directiveUp
	directiveDown
	directiveNoTx
	directiveBlock
	directiveEndBlock
	directiveTags
)

// matchDirective reports whether line is a nomad directive, returning its
// kind and any trailing arguments (used by "tags:").
func matchDirective(line string) (directiveKind, string, bool) {
	m := directiveLine.FindStringSubmatch(line)
	if m == nil {
		return directiveNone, "", false
	}
	rest := strings.TrimSpace(m[1])
	lower := strings.ToLower(rest)

	switch {
	case lower == "up":
		return directiveUp, "", true
	case lower == "down":
		return directiveDown, "", true
	case lower == "notx" || lower == "no transaction":
		return directiveNoTx, "", true
	case lower == "block":
		return directiveBlock, "", true
	case lower == "endblock":
		return directiveEndBlock, "", true
	case strings.HasPrefix(lower, "tags:"):
		return directiveTags, strings.TrimSpace(rest[len("tags:"):]), true
	case strings.HasPrefix(lower, "tags"):
		// tolerate "tags a, b" without the colon
		return directiveTags, strings.TrimSpace(rest[len("tags"):]), true
	default:
		return directiveNone, "", false
	}
}

// parseTags splits a tag-directive argument on commas and/or whitespace and
// lowercase-normalizes each tag.
func parseTags(args string) map[string]struct{} {
	fields := strings.FieldsFunc(args, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	tags := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			tags[f] = struct{}{}
		}
	}
	return tags
}
