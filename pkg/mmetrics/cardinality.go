package mmetrics

import "regexp"

var (
	uuidPattern      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	timestampPattern = regexp.MustCompile(`^\d{10,13}$`)
)

// HighCardinality reports whether value looks like a UUID or a 10-13 digit
// timestamp — kinds of tag values spec.md §4.6 calls "a programming
// error" because they blow up the tag cardinality of the downstream
// aggregator. Other identifiers, such as user or invoice ids, are not
// detected.
func HighCardinality(value string) bool {
	return uuidPattern.MatchString(value) || timestampPattern.MatchString(value)
}

// SanitizeTags drops tag values that look high-cardinality, matching the
// sink's "warns (or rejects) such tags" contract.
func SanitizeTags(tags Tags) Tags {
	if tags == nil {
		return nil
	}

	out := make(Tags, len(tags))

	for k, v := range tags {
		if HighCardinality(v) {
			continue
		}

		out[k] = v
	}

	return out
}
