package resource

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/schema"
)

// ErrNotFound is returned when no matching, visible document exists
var ErrNotFound = errors.New("not found")

// ErrAlreadyDeleted is returned when soft-deleting a document which is already soft-deleted
var ErrAlreadyDeleted = errors.New("already deleted")

// ValidationError is returned when a payload is rejected
type ValidationError = entity.ValidationError

// QueryError is returned when list parameters cannot be parsed
type QueryError = filter.QueryError

// Kind classifies an error returned by a controller
func Kind(err error) string {
	var verr *ValidationError
	var qerr *QueryError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyDeleted):
		return "already_deleted"
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &qerr):
		return "query"
	}
	return "internal"
}

// fromViolations converts schema violations into a validation error
func fromViolations(violations schema.Violations) *ValidationError {
	verr := &ValidationError{}
	for _, v := range violations {
		verr.Add(v.Field, v.Message)
	}
	return verr
}

// fromDecodeError converts a JSON decoding error of a payload into a validation error.
// The offending field is reported with the name it has in the payload.
func fromDecodeError(err error, payload map[string]interface{}) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		field := typeErr.Field
		if i := strings.LastIndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		for key := range payload {
			if strings.EqualFold(key, field) {
				field = key
				break
			}
		}
		return entity.Invalid(field, "must be of type "+typeErr.Type.String())
	}
	return entity.Invalid("body", "invalid JSON: "+err.Error())
}
