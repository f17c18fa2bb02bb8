package ledgersync

import "time"

// Layouts accepted as ISO-8601 date/time values, tried in order. Clients
// typically emit the seconds form without a zone.
var isoLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	time.RFC3339,
	time.RFC3339Nano,
}

// canonicalDate parses s as an ISO-8601 date or date-time and re-renders it
// in canonical form: date-only values stay "2006-01-02", date-times become
// the full seconds form. The second return is false when s is not a date.
func canonicalDate(s string) (string, bool) {
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			return t.Format("2006-01-02"), true
		}
		return t.Format("2006-01-02T15:04:05"), true
	}
	return "", false
}

// NormalizeRow canonicalizes every string value that parses as an ISO-8601
// date/time and leaves everything else untouched. Best effort: a string that
// happens not to parse is not an error.
func NormalizeRow(data Row) Row {
	for column, value := range data {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if canonical, ok := canonicalDate(s); ok {
			data[column] = canonical
		}
	}
	return data
}

// parseChangeTime parses a push timestamp. An empty timestamp falls back to
// the given default; anything else must be ISO-8601.
func parseChangeTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}
