/*
Package filter implements the query micro-grammar of the list routes.

A filter expression has the form

	{field1=value1,field2=operator:value2,...}

Pairs without operator are equality matches. Supported operators are eq, ne, gt, gte, lt, lte
and like (case insensitive substring). Only fields from an explicit allow-list ever reach the
store; all other fields are dropped and logged.

A sort expression is a comma or space separated list of field names, a leading '-' sorts
descending:

	-createdAt,username
*/
package filter

import (
	"fmt"
	"time"
)

// Kind is the value kind of a queryable field. It drives the coercion of operands.
type Kind int

// the supported kinds. KindAuto coerces numbers, then dates, then falls back to strings.
const (
	KindAuto Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	}
	return "auto"
}

// Fields is the allow-list of queryable fields and their kinds.
type Fields map[string]Kind

// With returns a new allow-list containing the fields of f and other. Fields of other win.
func (f Fields) With(other Fields) Fields {
	result := make(Fields, len(f)+len(other))
	for k, v := range f {
		result[k] = v
	}
	for k, v := range other {
		result[k] = v
	}
	return result
}

// Operator is a comparison operator of a condition
type Operator string

// all supported operators
const (
	Eq   Operator = "eq"
	Ne   Operator = "ne"
	Gt   Operator = "gt"
	Gte  Operator = "gte"
	Lt   Operator = "lt"
	Lte  Operator = "lte"
	Like Operator = "like"
)

var operators = map[Operator]bool{Eq: true, Ne: true, Gt: true, Gte: true, Lt: true, Lte: true, Like: true}

// Condition is a single comparison of a field with a value. Value is one of
// string, float64, bool or time.Time.
type Condition struct {
	Field string
	Op    Operator
	Value interface{}
}

// Predicate is a conjunction of conditions. The empty predicate matches everything.
type Predicate []Condition

// Has returns true if the predicate constrains field
func (p Predicate) Has(field string) bool {
	for _, c := range p {
		if c.Field == field {
			return true
		}
	}
	return false
}

// And returns a new predicate with the conditions of p and the additional conditions
func (p Predicate) And(conditions ...Condition) Predicate {
	result := make(Predicate, 0, len(p)+len(conditions))
	result = append(result, p...)
	return append(result, conditions...)
}

// Map returns the predicate in its document form: equality conditions map a field to its
// value, all other conditions map a field to an object of operator to value.
// Example: {role=admin,age=gte:18} becomes {"role":"admin","age":{"gte":18}}
func (p Predicate) Map() map[string]interface{} {
	result := map[string]interface{}{}
	for _, c := range p {
		if c.Op == Eq {
			result[c.Field] = c.Value
			continue
		}
		ops, ok := result[c.Field].(map[string]interface{})
		if !ok {
			ops = map[string]interface{}{}
			result[c.Field] = ops
		}
		ops[string(c.Op)] = c.Value
	}
	return result
}

// QueryError is returned when a query parameter (filter, sort, page or limit) cannot be parsed.
type QueryError struct {
	Parameter string
	Value     string
	Reason    string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("parameter '%s': invalid value '%s': %s", e.Parameter, e.Value, e.Reason)
}

// the accepted date formats of operands
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
