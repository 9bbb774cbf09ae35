// Package store defines the document store used by the resource controllers.
//
// A store holds one collection per resource. Documents are JSON objects identified by a uuid.
// All writes are single-document writes; conditional writes take a predicate which must still
// hold at the time of the write, which makes state transitions like soft-delete atomic.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core/filter"
)

// ErrNotFound is returned when no document matches the id and the predicate
var ErrNotFound = errors.New("document not found")

// ErrDuplicate is returned by Insert when the id is taken. Writes which violate a unique
// field return a *DuplicateError, which matches ErrDuplicate with errors.Is.
var ErrDuplicate = errors.New("document already exists")

// DuplicateError is returned by Insert and Replace when another document has the same value
// for a unique field
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return "duplicate value for unique field " + e.Field
}

// Is makes errors.Is(err, ErrDuplicate) hold
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// Indexes declares the indexes of a collection
type Indexes struct {
	// Fields are document fields which are frequently queried
	Fields []string
	// Unique are document fields whose values must differ between all documents of the
	// collection. Documents without the field do not conflict.
	Unique []string
}

// Query selects a page of documents
type Query struct {
	Where  filter.Predicate
	Sort   filter.Sort
	Limit  int
	Offset int
}

// Store opens collections
type Store interface {
	// Collection returns the collection with the given name. It is created if it does not exist.
	Collection(ctx context.Context, name string, indexes Indexes) (Collection, error)
	Close() error
}

// Collection is a set of JSON documents
type Collection interface {
	Name() string
	Insert(ctx context.Context, id uuid.UUID, doc []byte) error
	// Get returns the document with id if it satisfies where
	Get(ctx context.Context, id uuid.UUID, where filter.Predicate) ([]byte, error)
	// Find returns the documents of the requested page and the total number of matching documents
	Find(ctx context.Context, q Query) ([][]byte, int, error)
	// Replace replaces the document with id if it satisfies where
	Replace(ctx context.Context, id uuid.UUID, where filter.Predicate, doc []byte) error
	Delete(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, where filter.Predicate) (bool, error)
}
