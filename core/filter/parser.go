package filter

import (
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Parser parses filter expressions against an allow-list of queryable fields
type Parser struct {
	fields Fields
	log    logrus.FieldLogger
	strict bool
	onDrop func(field string)
}

// Option is an option for NewParser
type Option func(*Parser)

// Strict makes the parser reject malformed pairs with a QueryError instead of skipping them
func Strict() Option {
	return func(p *Parser) {
		p.strict = true
	}
}

// OnDrop registers a function which is called for every field dropped from a filter
func OnDrop(f func(field string)) Option {
	return func(p *Parser) {
		p.onDrop = f
	}
}

// NewParser returns a parser which only accepts the given fields. Dropped fields are logged on log.
func NewParser(fields Fields, log logrus.FieldLogger, opts ...Option) *Parser {
	p := &Parser{fields: fields, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fields returns the allow-list of the parser
func (p *Parser) Fields() Fields {
	return p.fields
}

// Parse parses a filter expression. The empty expression and {} return the empty predicate.
func (p *Parser) Parse(expr string) (Predicate, error) {
	body := strings.TrimSpace(expr)
	body = strings.TrimPrefix(body, "{")
	body = strings.TrimSuffix(body, "}")
	body = strings.TrimSpace(body)

	predicate := Predicate{}
	if body == "" {
		return predicate, nil
	}

	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		i := strings.IndexByte(pair, '=')
		if i <= 0 || strings.TrimSpace(pair[:i]) == "" {
			if p.strict {
				return nil, &QueryError{Parameter: "filter", Value: pair, Reason: "expected field=value"}
			}
			p.log.Debugf("skipping malformed filter pair '%s'", pair)
			continue
		}
		field := strings.TrimSpace(pair[:i])
		raw := strings.TrimSpace(pair[i+1:])

		kind, ok := p.fields[field]
		if !ok {
			p.log.Warnf("field '%s' is not queryable, dropped from filter", field)
			if p.onDrop != nil {
				p.onDrop(field)
			}
			continue
		}

		op := Eq
		if j := strings.IndexByte(raw, ':'); j >= 0 {
			if candidate := Operator(strings.ToLower(raw[:j])); operators[candidate] {
				op = candidate
				raw = raw[j+1:]
			}
		}

		value, err := coerce(raw, kind, op)
		if err != nil {
			return nil, &QueryError{Parameter: "filter", Value: pair, Reason: err.Error()}
		}
		predicate = append(predicate, Condition{Field: field, Op: op, Value: value})
	}
	return predicate, nil
}

type coercionError string

func (e coercionError) Error() string { return string(e) }

// coerce converts a raw operand into the value of a condition
func coerce(raw string, kind Kind, op Operator) (interface{}, error) {
	if op == Like {
		if kind != KindAuto && kind != KindString {
			return nil, coercionError("like requires a string field")
		}
		return raw, nil
	}
	switch kind {
	case KindString:
		return raw, nil
	case KindNumber:
		if n, ok := parseNumber(raw); ok {
			return n, nil
		}
		return nil, coercionError("not a number")
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, coercionError("not a boolean")
		}
		return b, nil
	case KindTime:
		if t, ok := parseTime(raw); ok {
			return t, nil
		}
		return nil, coercionError("not a date")
	}
	if n, ok := parseNumber(raw); ok {
		return n, nil
	}
	if t, ok := parseTime(raw); ok {
		return t, nil
	}
	return raw, nil
}

func parseNumber(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
