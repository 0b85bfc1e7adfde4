package dcb

import (
	"regexp"
	"sort"
	"strings"

	"go.jetify.com/typeid"
)

var typeidSuffixPattern = regexp.MustCompile(`^[0-9a-z]{26}$`)

// NewEntityID generates a TypeID with the given prefix for use as a tag value,
// e.g. NewEntityID("wallet") -> "wallet_01h2xcejqtf2nbrexx3vqjhp41".
// The prefix is sanitized to TypeID's allowed alphabet before generation.
func NewEntityID(prefix string) string {
	tid, err := typeid.WithPrefix(sanitizeForTypeID(prefix))
	if err != nil {
		// Fallback to default TypeID if prefix is invalid
		tid, _ = typeid.WithPrefix("entity")
	}
	return tid.String()
}

// NewTagBasedID creates a TypeID using sorted tag keys as prefix, so the
// identifier records which entities it correlates, e.g. tags with keys
// course_id and student_id yield "course_id_student_id_01h2xcejqt...".
func NewTagBasedID(tags []Tag) string {
	if len(tags) == 0 {
		return NewEntityID("event")
	}

	// Sort tag keys alphabetically for consistency
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = tag.GetKey()
	}
	sort.Strings(keys)

	return NewEntityID(strings.Join(keys, "_"))
}

// ExtractTypeIDSuffix extracts the random suffix from a TypeID if present.
// This is used when users provide TypeID values in their tags and want a
// fixed-width identifier back.
func ExtractTypeIDSuffix(id string) string {
	parts := strings.Split(id, "_")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if typeidSuffixPattern.MatchString(last) {
			return last
		}
	}
	return id // Fallback if not a valid TypeID
}

// sanitizeForTypeID sanitizes a string for use as a TypeID prefix: lowercase,
// special chars replaced with underscores, trimmed to the 63 char limit.
// TypeID prefixes allow only a-z and underscore, so digits are replaced too.
func sanitizeForTypeID(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		return '_'
	}, strings.ToLower(s))

	// Remove consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	// Remove leading/trailing underscores
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return "entity"
	}
	if len(sanitized) > 63 {
		sanitized = strings.Trim(sanitized[:63], "_")
	}
	return sanitized
}
