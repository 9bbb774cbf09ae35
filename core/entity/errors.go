package entity

import (
	"strings"
)

// FieldError is the validation failure of a single field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a document is rejected. It carries field level details.
type ValidationError struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// Invalid returns a validation error for a single field
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Message: "validation failed", Errors: []FieldError{{Field: field, Message: message}}}
}

// Add adds a field error
func (e *ValidationError) Add(field, message string) {
	if e.Message == "" {
		e.Message = "validation failed"
	}
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// OrNil returns nil if no field error was added. Use it to return a collected error.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	s := make([]string, len(e.Errors))
	for i, f := range e.Errors {
		s[i] = f.Field + ": " + f.Message
	}
	return e.Message + ": " + strings.Join(s, ", ")
}
