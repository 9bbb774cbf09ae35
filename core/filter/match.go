package filter

import (
	"strings"
	"time"
)

// Matches returns true if the decoded JSON document satisfies all conditions of the predicate
func (p Predicate) Matches(doc map[string]interface{}) bool {
	for _, c := range p {
		if !c.Match(doc[c.Field]) {
			return false
		}
	}
	return true
}

// Match evaluates the condition against a decoded JSON value. A missing value (nil) only
// satisfies the ne operator.
func (c Condition) Match(v interface{}) bool {
	if c.Op == Ne {
		cmp, ok := compare(v, c.Value)
		return !ok || cmp != 0
	}
	if c.Op == Like {
		s, ok := v.(string)
		pattern, _ := c.Value.(string)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(pattern))
	}
	cmp, ok := compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case Eq:
		return cmp == 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	}
	return false
}

// compare compares a document value with a condition value. The boolean is false when
// the two are not comparable.
func compare(v, value interface{}) (int, bool) {
	switch want := value.(type) {
	case float64:
		got, ok := v.(float64)
		if !ok {
			return 0, false
		}
		return compareOrdered(got, want), true
	case bool:
		got, ok := v.(bool)
		if !ok {
			// an absent boolean is false
			if v != nil {
				return 0, false
			}
			got = false
		}
		switch {
		case got == want:
			return 0, true
		case !got:
			return -1, true
		}
		return 1, true
	case time.Time:
		s, ok := v.(string)
		if !ok {
			return 0, false
		}
		got, ok := parseTime(s)
		if !ok {
			return 0, false
		}
		return got.Compare(want), true
	case string:
		got, ok := v.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(got, want), true
	}
	return 0, false
}

func compareOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
