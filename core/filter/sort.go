package filter

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// SortField is a single sort key
type SortField struct {
	Field      string
	Descending bool
}

// Sort is an ordered list of sort keys
type Sort []SortField

func (s Sort) String() string {
	keys := make([]string, len(s))
	for i, f := range s {
		if f.Descending {
			keys[i] = "-" + f.Field
		} else {
			keys[i] = f.Field
		}
	}
	return strings.Join(keys, ",")
}

// ParseSort parses a sort expression like "-createdAt,username". Fields which are not
// sortable are dropped with a warning. If nothing remains, fallback is returned.
func ParseSort(expr string, sortable Fields, fallback Sort, log logrus.FieldLogger) Sort {
	keys := strings.FieldsFunc(expr, func(r rune) bool { return r == ',' || r == ' ' })
	result := Sort{}
	for _, key := range keys {
		f := SortField{Field: key}
		if strings.HasPrefix(key, "-") {
			f = SortField{Field: key[1:], Descending: true}
		} else if strings.HasPrefix(key, "+") {
			f.Field = key[1:]
		}
		if _, ok := sortable[f.Field]; !ok {
			log.Warnf("field '%s' is not sortable, dropped from sort", f.Field)
			continue
		}
		result = append(result, f)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
