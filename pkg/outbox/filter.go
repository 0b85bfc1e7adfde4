package outbox

import (
	"fmt"
	"sort"
	"strings"
)

// topicPredicateSQL renders a TopicConfig as a SQL condition over the events
// table's tags column. Placeholders are numbered from argOffset+1 so the
// fragment composes with the caller's statement. An unconstrained topic
// yields an empty fragment.
//
// Predicate forms map to the tag storage ("key=value" strings in a TEXT[]):
//   - exactTags:    tags @> ARRAY['key=value', ...]
//   - requiredTags: one per-key EXISTS over unnest(tags) with LIKE 'key=%'
//   - anyOfTags:    the same EXISTS tests joined with OR
func topicPredicateSQL(t TopicConfig, argOffset int) (string, []any) {
	var conds []string
	var args []any
	next := func() int { return argOffset + len(args) + 1 }

	if len(t.ExactTags) > 0 {
		exact := make([]string, 0, len(t.ExactTags))
		for key, value := range t.ExactTags {
			exact = append(exact, key+"="+value)
		}
		sort.Strings(exact)
		conds = append(conds, fmt.Sprintf("tags @> $%d::text[]", next()))
		args = append(args, exact)
	}

	for _, key := range t.RequiredTags {
		conds = append(conds, keyPresentSQL(next()))
		args = append(args, likeKeyPattern(key))
	}

	if len(t.AnyOfTags) > 0 {
		ors := make([]string, 0, len(t.AnyOfTags))
		for _, key := range t.AnyOfTags {
			ors = append(ors, keyPresentSQL(next()))
			args = append(args, likeKeyPattern(key))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	return strings.Join(conds, " AND "), args
}

func keyPresentSQL(placeholder int) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM unnest(tags) AS t(tag) WHERE t.tag LIKE $%d ESCAPE '\')`, placeholder)
}

// likeKeyPattern builds the LIKE pattern matching any tag with the given key.
// LIKE metacharacters in the key are escaped so keys like "a_b" match only
// themselves.
func likeKeyPattern(key string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(key)
	return escaped + "=%"
}
